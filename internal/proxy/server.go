package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"

	"github.com/die-net/hopproxy/internal/dialer"
	"github.com/die-net/hopproxy/internal/metrics"
)

// LevelTrace is below slog.LevelDebug and logs every request the proxy
// receives.
const LevelTrace = slog.LevelDebug - 4

// HTTPProxyServer serves an HTTP forward proxy.
//
// It supports:
//   - HTTP CONNECT tunneling (via connection hijacking + bidirectional splice)
//   - absolute-URI forwarding (via httputil.ReverseProxy over a shared
//     http.Transport)
type HTTPProxyServer struct {
	dialer    dialer.Dialer
	log       *slog.Logger
	metrics   *metrics.Metrics
	transport *http.Transport
	forward   *httputil.ReverseProxy
	srv       *http.Server

	// Tunnels outlive their requests, so they hang off their own context
	// that only Shutdown and Close cancel.
	tunnelCtx     context.Context
	cancelTunnels context.CancelFunc

	mu      sync.Mutex
	closing bool
	tunnels sync.WaitGroup
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
// Values from ctx are visible to handlers and tunnels, but canceling ctx does
// not stop the server; use Shutdown or Close for that.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	base := context.WithoutCancel(ctx)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	d := cfg.Dialer
	if d == nil {
		d = dialer.NewDirectDialer(dialer.Config{KeepAlive: cfg.KeepAlive})
	}
	cfg.Dialer = d

	s := &HTTPProxyServer{
		dialer:    d,
		log:       logger,
		metrics:   m,
		transport: newTransport(cfg),
	}
	s.tunnelCtx, s.cancelTunnels = context.WithCancel(base)
	s.forward = newReverseProxy(m.InstrumentRoundTripper(s.transport), logger)
	s.srv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BaseContext: func(net.Listener) context.Context {
			return base
		},
	}
	return s
}

// Serve serves proxy requests on ln until Shutdown or Close. Like
// http.Server.Serve, it always returns a non-nil error.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	s.log.Info("proxy: serving", "addr", ln.Addr().String())
	return s.srv.Serve(ln)
}

// ServeHTTP dispatches one request: CONNECT opens a tunnel, every other
// method is forwarded.
func (s *HTTPProxyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.log.Log(r.Context(), LevelTrace, "proxy: request", "remote", r.RemoteAddr, "method", r.Method, "uri", r.RequestURI)
	if strings.EqualFold(r.Method, http.MethodConnect) {
		s.handleConnect(w, r)
		return
	}
	s.handleForward(w, r)
}

// Shutdown stops accepting connections, waits for in-flight requests and
// tunnels to finish, and cancels whatever is left once ctx is done.
func (s *HTTPProxyServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.srv.Shutdown(ctx)
	if err != nil {
		_ = s.srv.Close()
	}

	done := make(chan struct{})
	go func() {
		s.tunnels.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("proxy: shutdown timeout, closing tunnels")
		s.cancelTunnels()
		<-done
		if err == nil {
			err = ctx.Err()
		}
	}

	s.cancelTunnels()
	s.transport.CloseIdleConnections()
	return err
}

// Close immediately closes the listener, every connection and every tunnel.
func (s *HTTPProxyServer) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancelTunnels()
	err := s.srv.Close()
	s.tunnels.Wait()
	s.transport.CloseIdleConnections()
	return err
}

// admitTunnel reserves a slot in the tunnel WaitGroup. It refuses once the
// server is closing so Wait never races with Add.
func (s *HTTPProxyServer) admitTunnel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.tunnels.Add(1)
	return true
}
