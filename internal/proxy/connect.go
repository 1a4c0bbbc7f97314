package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/die-net/hopproxy/internal/metrics"
)

// tunnelGranted is the whole response to a successful CONNECT.
const tunnelGranted = "HTTP/1.1 200 OK\r\n\r\n"

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	target, err := parseAuthority(r.URL.Host)
	if err != nil {
		s.metrics.ConnectRequests.WithLabelValues(metrics.ConnectBadRequest).Inc()
		s.log.Debug("connect: bad request", "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !s.admitTunnel() {
		s.metrics.ConnectRequests.WithLabelValues(metrics.ConnectShuttingDown).Inc()
		s.log.Debug("connect: refused during shutdown", "remote", r.RemoteAddr, "target", target)
		http.Error(w, "proxy shutting down", http.StatusServiceUnavailable)
		return
	}

	// The handler's context is canceled as soon as it returns after a
	// hijack, so the dial is bounded by it only until the dial completes.
	dialCtx, cancelDial := context.WithCancel(s.tunnelCtx)
	stopDial := context.AfterFunc(r.Context(), cancelDial)
	targetConn, err := s.dialer.DialContext(dialCtx, "tcp", target)
	stopDial()
	if err != nil {
		cancelDial()
		s.tunnels.Done()
		s.metrics.ConnectRequests.WithLabelValues(metrics.ConnectDialError).Inc()
		s.log.Info("connect: dial failed", "remote", r.RemoteAddr, "target", target, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		cancelDial()
		s.tunnels.Done()
		_ = targetConn.Close()
		s.metrics.ConnectRequests.WithLabelValues(metrics.ConnectHijackError).Inc()
		s.log.Error("connect: response writer cannot hijack", "remote", r.RemoteAddr)
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, brw, err := hj.Hijack()
	if err != nil {
		cancelDial()
		s.tunnels.Done()
		_ = targetConn.Close()
		s.metrics.ConnectRequests.WithLabelValues(metrics.ConnectHijackError).Inc()
		s.log.Warn("connect: hijack failed", "remote", r.RemoteAddr, "target", target, "error", err)
		return
	}

	// net/http may leave its header read deadline on the raw connection.
	_ = clientConn.SetDeadline(time.Time{})

	if _, err := brw.WriteString(tunnelGranted); err == nil {
		err = brw.Flush()
	}
	if err != nil {
		cancelDial()
		s.tunnels.Done()
		_ = clientConn.Close()
		_ = targetConn.Close()
		s.metrics.ConnectRequests.WithLabelValues(metrics.ConnectHijackError).Inc()
		s.log.Info("connect: writing grant failed", "remote", r.RemoteAddr, "target", target, "error", err)
		return
	}

	s.metrics.ConnectRequests.WithLabelValues(metrics.ConnectEstablished).Inc()
	go func() {
		defer cancelDial()
		s.runTunnel(withBuffered(clientConn, brw.Reader), targetConn, r.RemoteAddr, target)
	}()
}

// runTunnel splices an admitted tunnel to completion and accounts for it.
func (s *HTTPProxyServer) runTunnel(client, target net.Conn, remote, authority string) {
	defer s.tunnels.Done()

	s.metrics.TunnelsActive.Inc()
	defer s.metrics.TunnelsActive.Dec()

	s.log.Debug("connect: tunnel open", "remote", remote, "target", authority)

	start := time.Now()
	stats, err := Splice(s.tunnelCtx, client, target)
	elapsed := time.Since(start)

	s.metrics.ObserveTunnel(stats.ClientToTarget, stats.TargetToClient, elapsed)

	attrs := []any{
		"remote", remote,
		"target", authority,
		"sent", stats.ClientToTarget,
		"received", stats.TargetToClient,
		"duration", elapsed,
	}
	switch {
	case err == nil:
		s.log.Debug("connect: tunnel closed", attrs...)
	case errors.Is(err, context.Canceled):
		s.log.Debug("connect: tunnel canceled", attrs...)
	default:
		s.log.Info("connect: tunnel failed", append(attrs, "error", err)...)
	}
}

// parseAuthority validates a CONNECT request target of the form host:port
// and returns it normalized.
func parseAuthority(authority string) (string, error) {
	if authority == "" {
		return "", errors.New("missing CONNECT authority")
	}
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return "", fmt.Errorf("malformed CONNECT authority %q: %w", authority, err)
	}
	if host == "" {
		return "", fmt.Errorf("malformed CONNECT authority %q: missing host", authority)
	}
	if n, err := strconv.ParseUint(port, 10, 16); err != nil || n == 0 {
		return "", fmt.Errorf("malformed CONNECT authority %q: invalid port", authority)
	}
	return net.JoinHostPort(host, port), nil
}
