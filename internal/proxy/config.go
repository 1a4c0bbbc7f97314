package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/die-net/hopproxy/internal/dialer"
	"github.com/die-net/hopproxy/internal/metrics"
)

type Config struct {
	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration
	HTTPMaxIdleConns   int

	KeepAlive net.KeepAliveConfig

	// Dialer opens every outbound connection, for both tunnels and
	// forwarded requests.
	Dialer dialer.Dialer

	// Logger defaults to a discarding logger when nil.
	Logger *slog.Logger

	// Metrics defaults to a private, unexported registry when nil.
	Metrics *metrics.Metrics
}
