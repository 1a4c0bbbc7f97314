package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/die-net/hopproxy/internal/socks5"
)

// SOCKS5ProxyDialer dials through a SOCKS5 proxy with the CONNECT command.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a dialer for the SOCKS5 proxy at proxyAddr.
// A non-empty username enables username/password authentication.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(cfg),
	}
}

func (d *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	conn, err := d.direct.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	err = negotiate(ctx, conn, d.cfg.NegotiationTimeout, func() error {
		return socks5.ClientDial(conn, d.auth, address)
	})
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy dial %s: %w", address, err)
	}
	return conn, nil
}
