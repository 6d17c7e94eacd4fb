package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openbmc-ikvm/ikvmd/internal/health"
)

func TestCountersIncrementIndependently(t *testing.T) {
	r := NewRegistry()
	r.FramesCaptured.Inc()
	r.FramesCaptured.Inc()
	r.FramesSent.Inc()
	r.ClientsActive.Set(2)

	if got := testutil.ToFloat64(r.FramesCaptured); got != 2 {
		t.Fatalf("FramesCaptured = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.FramesSent); got != 1 {
		t.Fatalf("FramesSent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.FramesSkipped); got != 0 {
		t.Fatalf("FramesSkipped = %v, want 0", got)
	}
	if got := testutil.ToFloat64(r.ClientsActive); got != 2 {
		t.Fatalf("ClientsActive = %v, want 2", got)
	}
}

func TestHealthzReportsUnhealthyAs503(t *testing.T) {
	mon := health.NewMonitor()
	mon.Update(health.ComponentCapture, health.Unhealthy, "device gone")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	healthzHandler(mon)(rec, req)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthzReportsHealthyAs200(t *testing.T) {
	mon := health.NewMonitor()
	mon.Update(health.ComponentRFB, health.Healthy, "")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	healthzHandler(mon)(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthzNilMonitorReports503(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	healthzHandler(nil)(rec, req)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503 for nil monitor", rec.Code)
	}
}
