package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(t.Context(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	var d net.Dialer
	dialed, err := d.DialContext(t.Context(), "tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	peer := <-accepted
	if peer == nil {
		t.Fatal("accept failed")
	}

	a, b := dialed.(*net.TCPConn), peer.(*net.TCPConn)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

type spliceResult struct {
	stats TunnelStats
	err   error
}

func startSplice(ctx context.Context, client, target net.Conn) <-chan spliceResult {
	done := make(chan spliceResult, 1)
	go func() {
		stats, err := Splice(ctx, client, target)
		done <- spliceResult{stats, err}
	}()
	return done
}

func waitSplice(t *testing.T, done <-chan spliceResult) spliceResult {
	t.Helper()

	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("splice did not finish")
		return spliceResult{}
	}
}

func TestSplice_HalfClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, proxyClient := tcpPair(t)
	proxyTarget, target := tcpPair(t)

	done := startSplice(t.Context(), proxyClient, proxyTarget)

	if _, err := io.WriteString(client, "ping"); err != nil {
		t.Fatal(err)
	}
	if err := client.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	// The target sees the request and then EOF, but can still answer.
	got, err := io.ReadAll(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ping" {
		t.Fatalf("target got %q, want ping", got)
	}
	if _, err := io.WriteString(target, "pong!"); err != nil {
		t.Fatal(err)
	}
	if err := target.CloseWrite(); err != nil {
		t.Fatal(err)
	}

	got, err = io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "pong!" {
		t.Fatalf("client got %q, want pong!", got)
	}

	res := waitSplice(t, done)
	if res.err != nil {
		t.Fatalf("Splice error = %v", res.err)
	}
	if res.stats.ClientToTarget != 4 || res.stats.TargetToClient != 5 {
		t.Fatalf("stats = %+v, want 4/5", res.stats)
	}
}

func TestSplice_LargeTransfer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, proxyClient := tcpPair(t)
	proxyTarget, target := tcpPair(t)

	done := startSplice(t.Context(), proxyClient, proxyTarget)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024)

	go func() {
		_, _ = client.Write(payload)
		_ = client.CloseWrite()
	}()

	got, err := io.ReadAll(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("target got %d bytes, want %d", len(got), len(payload))
	}
	_ = target.Close()

	res := waitSplice(t, done)
	if res.stats.ClientToTarget != int64(len(payload)) {
		t.Fatalf("ClientToTarget = %d, want %d", res.stats.ClientToTarget, len(payload))
	}
}

func TestSplice_ErrorClosesBoth(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	client, proxyClient := tcpPair(t)
	proxyTarget, target := tcpPair(t)

	done := startSplice(t.Context(), proxyClient, proxyTarget)

	testEcho := "before reset"
	if _, err := io.WriteString(client, testEcho); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(testEcho))
	if _, err := io.ReadFull(target, buf); err != nil {
		t.Fatal(err)
	}

	// Abort the target with a RST.
	if err := target.SetLinger(0); err != nil {
		t.Fatal(err)
	}
	_ = target.Close()

	res := waitSplice(t, done)
	if res.err == nil {
		t.Fatal("expected an error after reset")
	}
	if res.stats.ClientToTarget != int64(len(testEcho)) {
		t.Fatalf("ClientToTarget = %d, want %d", res.stats.ClientToTarget, len(testEcho))
	}

	// The client side was torn down too.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected client connection closed")
	}
}

func TestSplice_ContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	_, proxyClient := tcpPair(t)
	proxyTarget, _ := tcpPair(t)

	ctx, cancel := context.WithCancel(t.Context())
	done := startSplice(ctx, proxyClient, proxyTarget)

	time.Sleep(20 * time.Millisecond)
	cancel()

	res := waitSplice(t, done)
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("Splice error = %v, want context.Canceled", res.err)
	}
}

func TestWithBuffered(t *testing.T) {
	client, server := tcpPair(t)

	if _, err := io.WriteString(client, "HEADER\nbody bytes"); err != nil {
		t.Fatal(err)
	}
	_ = client.CloseWrite()

	br := bufio.NewReader(server)
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "HEADER\n" {
		t.Fatalf("line = %q", line)
	}

	conn := withBuffered(server, br)
	rest, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != "body bytes" {
		t.Fatalf("rest = %q, want %q", rest, "body bytes")
	}

	// Half-close passes through to the TCP connection.
	if err := closeWrite(conn); err != nil {
		t.Fatal(err)
	}
	tail, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 0 {
		t.Fatalf("unexpected bytes %q", tail)
	}
}

func TestWithBuffered_NothingBuffered(t *testing.T) {
	t.Parallel()

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	if got := withBuffered(a, bufio.NewReader(strings.NewReader(""))); got != a {
		t.Fatal("expected the connection itself when nothing is buffered")
	}
}
