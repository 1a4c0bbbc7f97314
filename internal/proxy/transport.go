package proxy

import (
	"crypto/tls"
	"net/http"

	"github.com/die-net/hopproxy/internal/dialer"
)

func newTransport(cfg Config) *http.Transport {
	t := &http.Transport{
		DialContext:         cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: cfg.HTTPMaxIdleConns,
		IdleConnTimeout:     cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: cfg.NegotiationTimeout,
		// Responses are relayed as the origin sent them.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// An HTTP upstream can take absolute-URI requests itself, so plain
	// forwarding goes through it as a proxy instead of a CONNECT per origin.
	if up, ok := cfg.Dialer.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		t.DialContext = up.Direct().DialContext
	}

	return t
}
