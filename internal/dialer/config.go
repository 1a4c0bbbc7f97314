package dialer

import (
	"log/slog"
	"net"
	"time"
)

type Config struct {
	// DialTimeout bounds DNS lookup plus TCP connect.
	DialTimeout time.Duration
	// NegotiationTimeout bounds any handshake with an upstream (TLS, CONNECT,
	// SOCKS5, SSH).
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig

	SSHKeyPath        string
	SSHKnownHostsPath string

	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.Logger
}
