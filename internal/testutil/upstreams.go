package testutil

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/die-net/hopproxy/internal/socks5"
)

// StartHTTPConnectProxy serves a minimal HTTP CONNECT proxy on a loopback
// port. Every CONNECT is answered with 200 and relayed to its target.
func StartHTTPConnectProxy(ctx context.Context, t *testing.T) net.Listener {
	t.Helper()

	return startAcceptServer(ctx, t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()
		if req.Method != http.MethodConnect {
			_, _ = io.WriteString(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
			return
		}

		var d net.Dialer
		dst, err := d.DialContext(ctx, "tcp", req.Host)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return
		}
		relayTCP(c, br, dst)
	})
}

// StartSOCKS5Proxy serves a SOCKS5 proxy on a loopback port, requiring auth
// when auth.Username is set.
func StartSOCKS5Proxy(ctx context.Context, t *testing.T, auth socks5.Auth) net.Listener {
	t.Helper()

	return startAcceptServer(ctx, t, func(c net.Conn) {
		req, err := socks5.ServerAccept(c, auth)
		if err != nil {
			return
		}

		var d net.Dialer
		dst, err := d.DialContext(ctx, "tcp", req.Address())
		if err != nil {
			socks5.WriteFailureReply(c, socks5.RepHostUnreachable, req.Atyp)
			return
		}
		defer dst.Close()

		if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
			return
		}
		relayTCP(c, c, dst)
	})
}

// startAcceptServer hands every accepted connection to handler on its own
// goroutine. Connections are closed when handler returns or ctx is done.
func startAcceptServer(ctx context.Context, t *testing.T, handler func(net.Conn)) net.Listener {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				stop := context.AfterFunc(ctx, func() { _ = c.Close() })
				defer stop()
				handler(c)
			}()
		}
	}()

	return ln
}

// relayTCP copies client (read through r) and dst in both directions,
// forwarding half-closes.
func relayTCP(client net.Conn, r io.Reader, dst net.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(dst, r)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()
	_, _ = io.Copy(client, dst)
	if tc, ok := client.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	<-done
}
