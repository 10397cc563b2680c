package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Observe(t *testing.T) {
	c := NewCollector("clinic")

	c.ObserveOperation("schedule", "ok")
	c.ObserveOperation("schedule", "ok")
	c.ObserveConflict("clinician")
	c.ObserveAuditFailure()
	c.ObserveLockWait("schedule", 10*time.Millisecond)

	if got := testutil.ToFloat64(c.AppointmentsTotal.WithLabelValues("schedule", "ok")); got != 2 {
		t.Errorf("expected 2 scheduled operations, got %v", got)
	}
	if got := testutil.ToFloat64(c.ConflictsTotal.WithLabelValues("clinician")); got != 1 {
		t.Errorf("expected 1 clinician conflict, got %v", got)
	}
	if got := testutil.ToFloat64(c.AuditFailuresTotal); got != 1 {
		t.Errorf("expected 1 audit failure, got %v", got)
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveOperation("schedule", "ok")
	c.ObserveConflict("room")
	c.ObserveAuditFailure()
	c.ObserveLockWait("reschedule", time.Second)
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("clinic")
	c.ObserveConflict("room")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinic_scheduling_conflicts_total") {
		t.Error("expected conflicts metric in exposition output")
	}
}
