package ssh

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig describes how to authenticate to an SSH server.
type ClientConfig struct {
	Username string
	// Password enables password authentication when non-empty.
	Password string
	// Signers enable public key authentication, tried before the password.
	Signers []ssh.Signer

	HostKeyCallback ssh.HostKeyCallback

	// HandshakeTimeout bounds the SSH handshake. Zero means no limit.
	HandshakeTimeout time.Duration
}

// Validate reports settings that can never authenticate.
func (c *ClientConfig) Validate() error {
	if c.Username == "" {
		return errors.New("missing username")
	}
	if c.Password == "" && len(c.Signers) == 0 {
		return errors.New("missing password or key")
	}
	if c.HostKeyCallback == nil {
		return errors.New("missing host key callback")
	}
	return nil
}

func (c *ClientConfig) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// Handshake runs the SSH client handshake over conn, which must already be
// connected to addr. addr is what host keys are checked against.
//
// conn is closed if the handshake fails.
func Handshake(conn net.Conn, addr string, cfg ClientConfig) (*ssh.Client, error) {
	if err := cfg.Validate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh config: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            cfg.authMethods(),
		HostKeyCallback: cfg.HostKeyCallback,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}
