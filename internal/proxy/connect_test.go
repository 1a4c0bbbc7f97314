package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/die-net/hopproxy/internal/metrics"
)

// countingDialer records dial attempts and fails them all.
type countingDialer struct {
	dials atomic.Int64
	err   error
}

func (d *countingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.dials.Add(1)
	return nil, d.err
}

func TestParseAuthority(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "example.com:443", want: "example.com:443"},
		{in: "127.0.0.1:8080", want: "127.0.0.1:8080"},
		{in: "[::1]:22", want: "[::1]:22"},
		{in: "example.com:65535", want: "example.com:65535"},
		{in: "", wantErr: true},
		{in: "example.com", wantErr: true},
		{in: ":443", wantErr: true},
		{in: "example.com:", wantErr: true},
		{in: "example.com:0", wantErr: true},
		{in: "example.com:65536", wantErr: true},
		{in: "example.com:https", wantErr: true},
		{in: "example.com:-1", wantErr: true},
		{in: "::1:22", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseAuthority(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseAuthority(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("parseAuthority(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHandleConnect_BadAuthorityNeverDials(t *testing.T) {
	t.Parallel()

	for _, authority := range []string{"", "no-port.example", "host:0", ":80"} {
		d := &countingDialer{}
		m := metrics.New()
		s := NewHTTPProxyServer(t.Context(), Config{Dialer: d, Metrics: m})

		r := httptest.NewRequest(http.MethodConnect, "/", nil)
		r.URL.Host = authority
		w := httptest.NewRecorder()
		s.ServeHTTP(w, r)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("authority %q: status = %d, want 400", authority, w.Code)
		}
		if w.Body.Len() == 0 {
			t.Fatalf("authority %q: expected a descriptive body", authority)
		}
		if n := d.dials.Load(); n != 0 {
			t.Fatalf("authority %q: dialed %d times", authority, n)
		}
		if got := testutil.ToFloat64(m.ConnectRequests.WithLabelValues(metrics.ConnectBadRequest)); got != 1 {
			t.Fatalf("authority %q: bad_request counter = %v", authority, got)
		}
	}
}

func TestHandleConnect_DialFailureIs502(t *testing.T) {
	t.Parallel()

	d := &countingDialer{err: errors.New("connection refused")}
	m := metrics.New()
	s := NewHTTPProxyServer(t.Context(), Config{Dialer: d, Metrics: m})

	r := httptest.NewRequest(http.MethodConnect, "/", nil)
	r.URL.Host = "unreachable.example:443"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if d.dials.Load() != 1 {
		t.Fatalf("dials = %d, want 1", d.dials.Load())
	}
	if got := testutil.ToFloat64(m.ConnectRequests.WithLabelValues(metrics.ConnectDialError)); got != 1 {
		t.Fatalf("dial_error counter = %v", got)
	}
}

func TestHandleConnect_MethodCaseInsensitive(t *testing.T) {
	t.Parallel()

	d := &countingDialer{err: errors.New("nope")}
	s := NewHTTPProxyServer(t.Context(), Config{Dialer: d})

	r := httptest.NewRequest(http.MethodConnect, "/", nil)
	r.Method = "connect"
	r.URL.Host = "example.com:443"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if d.dials.Load() != 1 {
		t.Fatal("lowercase connect was not treated as CONNECT")
	}
}

// pipeDialer hands out one end of a net.Pipe per dial.
type pipeDialer struct {
	peers chan net.Conn
}

func (d *pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	a, b := net.Pipe()
	d.peers <- b
	return a, nil
}

func TestHandleConnect_NoHijackerIs500(t *testing.T) {
	t.Parallel()

	d := &pipeDialer{peers: make(chan net.Conn, 1)}
	s := NewHTTPProxyServer(t.Context(), Config{Dialer: d})

	r := httptest.NewRequest(http.MethodConnect, "/", nil)
	r.URL.Host = "example.com:443"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	// The dialed connection was closed.
	peer := <-d.peers
	if _, err := peer.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected dialed connection to be closed")
	}
}

func TestHandleConnect_RefusedWhileShuttingDown(t *testing.T) {
	t.Parallel()

	d := &countingDialer{}
	m := metrics.New()
	s := NewHTTPProxyServer(t.Context(), Config{Dialer: d, Metrics: m})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodConnect, "/", nil)
	r.URL.Host = "example.com:443"
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if d.dials.Load() != 0 {
		t.Fatalf("dials = %d, want 0", d.dials.Load())
	}
	if got := testutil.ToFloat64(m.ConnectRequests.WithLabelValues(metrics.ConnectShuttingDown)); got != 1 {
		t.Fatalf("shutting_down counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectRequests.WithLabelValues(metrics.ConnectEstablished)); got != 0 {
		t.Fatalf("established counter = %v, want 0", got)
	}
}
