package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("ok")
	m.ObserveReplay()
	m.ObserveRefresh("ok", 3)
	m.StreamOpened()
	m.StreamClosed()
	m.ObserveFrame("tasks", "delivered")
	m.ObserveEngineEvent("feed", "applied", 1)
}

func TestObserveUpdatesInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("taskdeck", reg)

	m.ObserveRequest("ok")
	m.ObserveRequest("ok")
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	m.ObserveEngineEvent("feed", "applied", 4)

	if got := testutil.ToFloat64(m.GatewayRequests.WithLabelValues("ok")); got != 2 {
		t.Fatalf("gateway ok requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StreamConnections); got != 1 {
		t.Fatalf("stream connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ViewSize.WithLabelValues("feed")); got != 4 {
		t.Fatalf("feed rows = %v, want 4", got)
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("taskdeck", reg)
	m.ObserveFrame("tasks", "keepalive")

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `taskdeck_stream_frames_total{kind="keepalive",topic="tasks"} 1`) {
		t.Fatalf("metrics body missing frame counter:\n%s", body)
	}
}
