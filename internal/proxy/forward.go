package proxy

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"time"
)

// forwardFlushInterval only buffers incomplete responses briefly, so
// streaming responses are not held back.
const forwardFlushInterval = 10 * time.Millisecond

func (s *HTTPProxyServer) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.URL.Scheme == "" || r.URL.Host == "" {
		s.log.Debug("forward: relative request URI", "remote", r.RemoteAddr, "method", r.Method, "uri", r.RequestURI)
		http.Error(w, "proxy requests must use an absolute URI", http.StatusBadRequest)
		return
	}

	SanitizeHeaders(r.Header)
	s.forward.ServeHTTP(w, r)
}

func newReverseProxy(transport http.RoundTripper, logger *slog.Logger) *httputil.ReverseProxy {
	director := func(r *http.Request) {
		r.Host = r.URL.Host

		// Ask that X-Forwarded-For not be set.
		r.Header["X-Forwarded-For"] = nil
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Info("forward: upstream failed", "remote", r.RemoteAddr, "method", r.Method, "url", r.URL.String(), "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
	}

	return &httputil.ReverseProxy{
		Director:      director,
		Transport:     transport,
		FlushInterval: forwardFlushInterval,
		ErrorHandler:  errHandler,
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		BufferPool:    copyBuffers,
	}
}
