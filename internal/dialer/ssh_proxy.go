package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	internalssh "github.com/die-net/hopproxy/internal/ssh"
)

// SSHProxyDialer opens outbound connections as "direct-tcpip" channels on a
// single shared SSH connection.
//
// The SSH connection is made on first use. When opening a channel fails for
// a reason other than the server refusing the destination, the connection is
// assumed dead: it is dropped, redialed once, and the channel is retried.
// The context passed to DialContext bounds opening the channel only; once
// the channel is open it lives until closed.
type SSHProxyDialer struct {
	sshAddr string
	sshCfg  internalssh.ClientConfig
	direct  Dialer
	log     *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHProxyDialer validates credentials and loads keys for the SSH server
// at sshAddr. No connection is made until the first DialContext.
//
// cfg.SSHKeyPath names an OpenSSH private key file, or "agent" for the
// running SSH agent. When both a key and a password are available, both are
// offered. cfg.SSHKnownHostsPath enables host key checking with trust on
// first use; empty disables checking.
func NewSSHProxyDialer(cfg Config, sshAddr, username, password string) (*SSHProxyDialer, error) {
	if sshAddr == "" {
		return nil, errors.New("ssh upstream: missing ssh address")
	}
	if username == "" {
		return nil, errors.New("ssh upstream: missing username")
	}

	signers, err := internalssh.LoadSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh upstream: missing password or key")
	}

	hostKeys, err := internalssh.NewHostKeyCallback(cfg.SSHKnownHostsPath, cfg.logger())
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}

	return &SSHProxyDialer{
		sshAddr: sshAddr,
		sshCfg: internalssh.ClientConfig{
			Username:         username,
			Password:         password,
			Signers:          signers,
			HostKeyCallback:  hostKeys,
			HandshakeTimeout: cfg.NegotiationTimeout,
		},
		direct: NewDirectDialer(cfg),
		log:    cfg.logger(),
	}, nil
}

func (d *SSHProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	client, err := d.getClient(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The server answered, so the transport is fine.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}

		d.log.Debug("ssh: reconnecting", "upstream", d.sshAddr, "error", err)
		d.dropClient(client)

		client, err = d.getClient(ctx)
		if err != nil {
			return nil, err
		}
		conn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}
	}

	return conn, nil
}

// getClient returns the shared client, connecting if there is none. Only one
// connection attempt runs at a time; callers whose ctx ends stop waiting but
// the attempt carries on for the others.
func (d *SSHProxyDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan("connect", func() (any, error) {
		d.mu.Lock()
		if d.client != nil {
			c := d.client
			d.mu.Unlock()
			return c, nil
		}
		d.mu.Unlock()

		c, err := d.connect(context.Background())
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.client = c
		d.mu.Unlock()
		d.log.Debug("ssh: connected", "upstream", d.sshAddr)
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (d *SSHProxyDialer) connect(ctx context.Context) (*ssh.Client, error) {
	conn, err := d.direct.DialContext(ctx, "tcp", d.sshAddr)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}

	client, err := internalssh.Handshake(conn, d.sshAddr, d.sshCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	return client, nil
}

// dropClient forgets client if it is still the shared one, and closes it.
func (d *SSHProxyDialer) dropClient(client *ssh.Client) {
	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()
	_ = client.Close()
}

// Close closes the shared SSH connection, if any. Open channels die with it.
func (d *SSHProxyDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
