package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// SSHServer is a loopback SSH server that only serves "direct-tcpip"
// channels, dialing the requested destination and relaying bytes.
type SSHServer struct {
	Addr    string
	HostKey ssh.Signer

	// Handshakes counts SSH connections that completed authentication.
	Handshakes atomic.Int64

	ln    net.Listener
	mu    sync.Mutex
	conns []ssh.Conn
}

// StartSSHServer starts an SSH server accepting username/password and, when
// authorized is non-nil, that public key. It is shut down when the test ends.
func StartSSHServer(ctx context.Context, t *testing.T, username, password string, authorized ssh.PublicKey) *SSHServer {
	t.Helper()

	hostKey := GenerateSigner(t)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if password != "" && c.User() == username && string(pass) == password {
				return nil, nil
			}
			return nil, errAuth
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && c.User() == username && string(key.Marshal()) == string(authorized.Marshal()) {
				return nil, nil
			}
			return nil, errAuth
		},
	}
	cfg.AddHostKey(hostKey)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	s := &SSHServer{Addr: ln.Addr().String(), HostKey: hostKey, ln: ln}

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		s.DropConnections()
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
				s.serveConn(c, cfg, &wg)
			}()
		}
	}()

	return s
}

// DropConnections closes every established SSH connection, simulating a
// dead transport.
func (s *SSHServer) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *SSHServer) serveConn(c net.Conn, cfg *ssh.ServerConfig, wg *sync.WaitGroup) {
	defer c.Close()

	sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		return
	}
	s.Handshakes.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()
	defer sc.Close()

	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var p struct {
			Host       string
			Port       uint32
			OriginHost string
			OriginPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}

		var d net.Dialer
		target, err := d.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
		if err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			_ = target.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)

		wg.Add(1)
		go func() {
			defer wg.Done()
			relay(ch, target)
		}()
	}
}

func relay(ch ssh.Channel, target net.Conn) {
	defer ch.Close()
	defer target.Close()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(target, ch)
		if tc, ok := target.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		close(done)
	}()
	_, _ = io.Copy(ch, target)
	_ = ch.CloseWrite()
	<-done
}

// GenerateSigner returns a fresh ed25519 SSH signer.
func GenerateSigner(t *testing.T) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

var errAuth = errors.New("permission denied")
