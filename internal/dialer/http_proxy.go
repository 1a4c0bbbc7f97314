package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// HTTPProxyDialer dials through an HTTP or HTTPS proxy with the CONNECT
// method.
type HTTPProxyDialer struct {
	cfg       Config
	proxyURL  *url.URL
	auth      string
	direct    Dialer
	tlsConfig *tls.Config
}

// NewHTTPProxyDialer constructs a CONNECT dialer for proxyURL. A non-empty
// username adds HTTP Basic Proxy-Authorization to every CONNECT.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	if proxyURL == nil {
		return nil, errors.New("http proxy dialer: missing proxy url")
	}
	if proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}
	if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" {
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	var auth string
	if username != "" {
		auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}

	return &HTTPProxyDialer{
		cfg:      cfg,
		proxyURL: proxyURL,
		auth:     auth,
		direct:   NewDirectDialer(cfg),
		tlsConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: proxyURL.Hostname(),
		},
	}, nil
}

// ProxyURL returns the upstream proxy URL, credentials included.
func (d *HTTPProxyDialer) ProxyURL() *url.URL {
	return d.proxyURL
}

// Direct returns the dialer used to reach the proxy itself.
func (d *HTTPProxyDialer) Direct() Dialer {
	return d.direct
}

// DialContext connects to the proxy, performs the TLS handshake for https
// proxies, and issues CONNECT for address. The handshake is bounded by
// NegotiationTimeout and ctx.
func (d *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("http proxy dial %s %s: unsupported network", network, address)
	}

	raw, err := d.direct.DialContext(ctx, "tcp", d.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	conn := raw
	var br *bufio.Reader
	err = negotiate(ctx, raw, d.cfg.NegotiationTimeout, func() error {
		if d.proxyURL.Scheme == "https" {
			tlsConn := tls.Client(raw, d.tlsConfig)
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				return fmt.Errorf("http proxy tls handshake: %w", err)
			}
			conn = tlsConn
		}

		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: address},
			Host:   address,
			Header: make(http.Header),
		}
		if d.auth != "" {
			req.Header.Set("Proxy-Authorization", d.auth)
		}
		if err := req.Write(conn); err != nil {
			return fmt.Errorf("http proxy connect write: %w", err)
		}

		br = bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return fmt.Errorf("http proxy connect read: %w", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("http proxy connect %s: %s", address, resp.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return withReader(conn, br), nil
}
