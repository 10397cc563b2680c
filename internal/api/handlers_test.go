package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/appointment/memrepo"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

type testServer struct {
	handler   http.Handler
	repo      *memrepo.Repository
	org       uuid.UUID
	patient   uuid.UUID
	clinician uuid.UUID
	room      uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		repo:      memrepo.New(),
		org:       uuid.New(),
		patient:   uuid.New(),
		clinician: uuid.New(),
		room:      uuid.New(),
	}
	ts.repo.AddPatient(ts.org, ts.patient, "Ada Lovelace")
	ts.repo.AddRoom(appointment.ExamRoom{ID: ts.room, OrganizationID: ts.org, Number: "101", Name: "Exam 1", Active: true})

	policy := appointment.DefaultPolicy()
	svc := appointment.NewService(
		ts.repo,
		redisclient.NewLocalLocker(time.Second),
		appointment.NewEventLogSink(ts.repo),
		policy,
		appointment.WithClock(func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) }),
	)

	ts.handler = NewRouter(RouterConfig{
		Service:      svc,
		Availability: appointment.NewAvailabilityCalculator(ts.repo, ts.repo, policy.Location),
		Location:     policy.Location,
		Metrics:      metrics.NewCollector("clinic_api_test"),
		Checks: []Check{
			{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }},
			{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }},
		},
		Env: "test",
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(OrganizationHeader, ts.org.String())

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) scheduleBody(clock string) ScheduleAppointmentRequest {
	room := ts.room.String()
	return ScheduleAppointmentRequest{
		PatientID:       ts.patient.String(),
		ClinicianID:     ts.clinician.String(),
		ExamRoomID:      &room,
		Date:            "2025-03-10",
		Time:            clock,
		DurationMinutes: 30,
		Category:        "routine",
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestScheduleEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/appointments", ts.scheduleBody("10:00"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	appt := decode[AppointmentResponse](t, rec)
	if appt.Status != "scheduled" || appt.Time != "10:00" || appt.PatientName != "Ada Lovelace" {
		t.Fatalf("unexpected appointment %+v", appt)
	}

	rec = ts.do(t, http.MethodPost, "/appointments", ts.scheduleBody("10:15"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if e := decode[ErrorResponse](t, rec); e.Error != "clinician_unavailable" {
		t.Fatalf("expected clinician_unavailable, got %q", e.Error)
	}

	rec = ts.do(t, http.MethodPost, "/appointments", ts.scheduleBody("10:30"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("adjacent booking: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestScheduleEndpoint_BadInput(t *testing.T) {
	ts := newTestServer(t)

	body := ts.scheduleBody("25:00")
	if rec := ts.do(t, http.MethodPost, "/appointments", body); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad time, got %d", rec.Code)
	}

	body = ts.scheduleBody("10:00")
	body.DurationMinutes = 5
	rec := ts.do(t, http.MethodPost, "/appointments", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a short visit, got %d", rec.Code)
	}
	if e := decode[ErrorResponse](t, rec); e.Error != "invalid_duration" {
		t.Fatalf("expected invalid_duration, got %q", e.Error)
	}
}

func TestOrganizationHeaderRequired(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRescheduleEndpoint_ConflictReport(t *testing.T) {
	ts := newTestServer(t)

	first := decode[AppointmentResponse](t, ts.do(t, http.MethodPost, "/appointments", ts.scheduleBody("09:00")))
	ts.do(t, http.MethodPost, "/appointments", ts.scheduleBody("11:00"))

	rec := ts.do(t, http.MethodPost, "/appointments/"+first.ID.String()+"/reschedule", RescheduleAppointmentRequest{
		Date: "2025-03-10",
		Time: "11:15",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	report := decode[ConflictReportResponse](t, rec)
	if report.Success || len(report.Conflicts) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	entry := report.Conflicts[0].ConflictingAppointments[0]
	if entry.PatientName != "Ada Lovelace" || entry.Time != "11:00-11:30" {
		t.Fatalf("unexpected conflicting appointment %+v", entry)
	}

	rec = ts.do(t, http.MethodPost, "/appointments/"+first.ID.String()+"/reschedule", RescheduleAppointmentRequest{
		Date: "2025-03-10",
		Time: "09:15",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 moving onto its own slot, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)

	appt := decode[AppointmentResponse](t, ts.do(t, http.MethodPost, "/appointments", ts.scheduleBody("10:00")))
	base := "/appointments/" + appt.ID.String()

	if rec := ts.do(t, http.MethodPost, base+"/cancel", CancelAppointmentRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a reason, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, base+"/start", nil); rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, base+"/no-show", nil); rec.Code != http.StatusConflict {
		t.Fatalf("no-show after start: expected 409, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, base+"/complete", nil); rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d", rec.Code)
	}
	rec := ts.do(t, http.MethodPost, base+"/cancel", CancelAppointmentRequest{Reason: "late"})
	if e := decode[ErrorResponse](t, rec); rec.Code != http.StatusConflict || e.Error != "invalid_transition" {
		t.Fatalf("expected 409 invalid_transition, got %d %q", rec.Code, e.Error)
	}

	history := decode[[]EventResponse](t, ts.do(t, http.MethodGet, base+"/history", nil))
	if len(history) != 3 {
		t.Fatalf("expected 3 events, got %d", len(history))
	}
}

func TestPatientCancelEndpoint(t *testing.T) {
	ts := newTestServer(t)

	appt := decode[AppointmentResponse](t, ts.do(t, http.MethodPost, "/appointments", ts.scheduleBody("10:00")))
	base := "/appointments/" + appt.ID.String()

	rec := ts.do(t, http.MethodPost, base+"/patient-cancel", PatientCancelRequest{PatientID: uuid.NewString(), Reason: "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another patient, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, base+"/patient-cancel", PatientCancelRequest{PatientID: ts.patient.String(), Reason: "travel"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[AppointmentResponse](t, rec)
	if got.Status != "cancelled" || got.CancellationReason == nil || *got.CancellationReason != "travel" {
		t.Fatalf("unexpected appointment %+v", got)
	}
}

func TestAssignRoomEndpoint_Inactive(t *testing.T) {
	ts := newTestServer(t)

	inactive := uuid.New()
	ts.repo.AddRoom(appointment.ExamRoom{ID: inactive, OrganizationID: ts.org, Number: "900", Active: false})

	body := ts.scheduleBody("10:00")
	body.ExamRoomID = nil
	appt := decode[AppointmentResponse](t, ts.do(t, http.MethodPost, "/appointments", body))

	rec := ts.do(t, http.MethodPut, "/appointments/"+appt.ID.String()+"/room", AssignRoomRequest{ExamRoomID: inactive.String()})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPut, "/appointments/"+appt.ID.String()+"/room", AssignRoomRequest{ExamRoomID: ts.room.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAvailabilityEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/appointments", ts.scheduleBody("10:00"))

	rec := ts.do(t, http.MethodGet, "/rooms/availability?start=2025-03-10T09:00&end=2025-03-10T12:00", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rooms := decode[[]RoomAvailabilityResponse](t, rec)
	if len(rooms) != 1 || rooms[0].Availability != "busy" || len(rooms[0].ConflictingAppointments) != 1 {
		t.Fatalf("unexpected rooms %+v", rooms)
	}

	rec = ts.do(t, http.MethodGet, "/clinicians/availability?start=2025-03-10T11:00:00Z&end=2025-03-10T12:00:00Z&clinician_id="+ts.clinician.String(), nil)
	clinicians := decode[[]ClinicianAvailabilityResponse](t, rec)
	if len(clinicians) != 1 || clinicians[0].Availability != "available" {
		t.Fatalf("unexpected clinicians %+v", clinicians)
	}

	rec = ts.do(t, http.MethodGet, "/clinicians/"+ts.clinician.String()+"/free-slots?date=2025-03-10&open=09:00&close=12:00&minutes=30", nil)
	slots := decode[[]FreeSlotResponse](t, rec)
	if len(slots) != 2 {
		t.Fatalf("expected 2 free slots around the booking, got %+v", slots)
	}

	if rec := ts.do(t, http.MethodGet, "/rooms/availability?start=tomorrow&end=2025-03-10T12:00", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad window, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/rooms/availability?start=0001-01-01T00:00:00Z&end=9999-12-31T00:00:00Z", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a multi-century window, got %d", rec.Code)
	}
	if body := decode[ErrorResponse](t, rec); body.Error != "window_too_large" {
		t.Fatalf("expected window_too_large, got %+v", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while only redis is down, got %d", rec.Code)
	}
	ready := decode[ReadinessResponse](t, rec)
	if ready.Status != "degraded" || ready.Dependencies["redis"] != "down" {
		t.Fatalf("unexpected readiness %+v", ready)
	}

	ts.do(t, http.MethodGet, "/health/live", nil)
	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	if !strings.Contains(rec.Body.String(), "clinic_api_test_http_requests_total") {
		t.Fatal("expected request metrics to be exposed")
	}
}
