package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersCollectors(t *testing.T) {
	m := New()

	// Vec collectors only appear in Gather output once a label set exists.
	m.ForwardRequests.WithLabelValues("200", "get").Inc()
	m.ForwardDuration.WithLabelValues("200", "get").Observe(0.1)
	m.ConnectRequests.WithLabelValues(ConnectEstablished).Inc()
	m.TunnelBytes.WithLabelValues(ClientToTarget).Add(1)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"hopproxy_forward_requests_total":           false,
		"hopproxy_forward_request_duration_seconds": false,
		"hopproxy_connect_requests_total":           false,
		"hopproxy_tunnels_active":                   false,
		"hopproxy_tunnel_bytes_total":               false,
		"hopproxy_tunnel_duration_seconds":          false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestObserveTunnel(t *testing.T) {
	m := New()

	m.ObserveTunnel(10, 20, 2*time.Second)
	m.ObserveTunnel(5, 0, time.Second)

	if got := testutil.ToFloat64(m.TunnelBytes.WithLabelValues(ClientToTarget)); got != 15 {
		t.Errorf("client_to_target = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.TunnelBytes.WithLabelValues(TargetToClient)); got != 20 {
		t.Errorf("target_to_client = %v, want 20", got)
	}
	if got := testutil.CollectAndCount(m.TunnelDuration); got != 1 {
		t.Errorf("tunnel_duration_seconds series = %d, want 1", got)
	}
}

func TestInstrumentRoundTripper(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer origin.Close()

	m := New()
	rt := m.InstrumentRoundTripper(http.DefaultTransport)

	req, err := http.NewRequest(http.MethodGet, origin.URL, http.NoBody)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if got := testutil.CollectAndCount(m.ForwardRequests); got != 1 {
		t.Fatalf("forward_requests_total series = %d, want 1", got)
	}

	const want = `
# HELP hopproxy_forward_requests_total Plain HTTP requests forwarded to origin servers, by response code.
# TYPE hopproxy_forward_requests_total counter
hopproxy_forward_requests_total{code="418",method="get"} 1
`
	if err := testutil.CollectAndCompare(m.ForwardRequests, strings.NewReader(want)); err != nil {
		t.Error(err)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.TunnelsActive.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "hopproxy_tunnels_active 1") {
		t.Errorf("body missing tunnels_active gauge:\n%s", rec.Body.String())
	}
}
