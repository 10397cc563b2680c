package appointment_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/appointment/memrepo"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

type fixture struct {
	repo    *memrepo.Repository
	svc     *appointment.Service
	metrics *metrics.Collector

	org       uuid.UUID
	patient   uuid.UUID
	clinician uuid.UUID
	room      uuid.UUID

	mu    sync.Mutex
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		repo:      memrepo.New(),
		metrics:   metrics.NewCollector("clinic_test"),
		org:       uuid.New(),
		patient:   uuid.New(),
		clinician: uuid.New(),
		room:      uuid.New(),
		clock:     time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	f.repo.AddPatient(f.org, f.patient, "Ada Lovelace")
	f.repo.AddRoom(appointment.ExamRoom{ID: f.room, OrganizationID: f.org, Number: "101", Name: "Exam 1", Active: true})

	f.svc = appointment.NewService(
		f.repo,
		redisclient.NewLocalLocker(5*time.Second),
		appointment.NewEventLogSink(f.repo),
		appointment.DefaultPolicy(),
		appointment.WithClock(f.now),
		appointment.WithMetrics(f.metrics),
	)
	return f
}

func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = t
}

func slot(hour, min int) time.Time {
	return time.Date(2025, 3, 10, hour, min, 0, 0, time.UTC)
}

func (f *fixture) request(start time.Time, minutes int) appointment.ScheduleRequest {
	return appointment.ScheduleRequest{
		OrganizationID:  f.org,
		PatientID:       f.patient,
		ClinicianID:     f.clinician,
		StartsAt:        start,
		DurationMinutes: minutes,
		Category:        appointment.CategoryRoutine,
	}
}

func (f *fixture) schedule(t *testing.T, req appointment.ScheduleRequest) *appointment.Appointment {
	t.Helper()
	a, err := f.svc.Schedule(context.Background(), req)
	if err != nil {
		t.Fatalf("schedule %s: %v", req.StartsAt, err)
	}
	return a
}

func TestSchedule_AdjacentAppointmentsBothSucceed(t *testing.T) {
	f := newFixture(t)

	f.schedule(t, f.request(slot(10, 0), 30))
	second := f.schedule(t, f.request(slot(10, 30), 30))

	if second.Status != appointment.StatusScheduled {
		t.Fatalf("expected scheduled, got %s", second.Status)
	}
}

func TestSchedule_OverlapFailsWithClinicianUnavailable(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, f.request(slot(10, 0), 30))

	_, err := f.svc.Schedule(context.Background(), f.request(slot(10, 15), 30))
	if !errors.Is(err, appointment.ErrClinicianUnavailable) {
		t.Fatalf("expected ErrClinicianUnavailable, got %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.ConflictsTotal.WithLabelValues("clinician")); got != 1 {
		t.Fatalf("expected one clinician conflict recorded, got %v", got)
	}
}

func TestSchedule_RoomConflictWithDifferentClinician(t *testing.T) {
	f := newFixture(t)

	req := f.request(slot(11, 0), 30)
	req.RoomID = &f.room
	f.schedule(t, req)

	other := f.request(slot(11, 15), 30)
	other.ClinicianID = uuid.New()
	other.RoomID = &f.room
	if _, err := f.svc.Schedule(context.Background(), other); !errors.Is(err, appointment.ErrRoomUnavailable) {
		t.Fatalf("expected ErrRoomUnavailable, got %v", err)
	}
}

func TestSchedule_OtherOrganizationDoesNotConflict(t *testing.T) {
	f := newFixture(t)
	f.schedule(t, f.request(slot(10, 0), 30))

	req := f.request(slot(10, 0), 30)
	req.OrganizationID = uuid.New()
	req.PatientID = uuid.New()
	f.repo.AddPatient(req.OrganizationID, req.PatientID, "Alan Turing")
	f.schedule(t, req)
}

func TestSchedule_PatientOfOtherOrganization(t *testing.T) {
	f := newFixture(t)

	req := f.request(slot(10, 0), 30)
	req.OrganizationID = uuid.New()
	if _, err := f.svc.Schedule(context.Background(), req); !errors.Is(err, appointment.ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestSchedule_CancelledSlotIsFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.schedule(t, f.request(slot(14, 0), 30))
	if _, err := f.svc.Cancel(ctx, f.org, a.ID, "patient called"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.schedule(t, f.request(slot(14, 0), 30))
}

func TestSchedule_ConcurrentOverlapOnlyOneWins(t *testing.T) {
	f := newFixture(t)

	const callers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)

	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Schedule(context.Background(), f.request(slot(9, 0), 30))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, appointment.ErrClinicianUnavailable):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(others) > 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if successes != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", callers-1, successes, conflicts)
	}
}

func TestSchedule_ValidationErrors(t *testing.T) {
	f := newFixture(t)

	req := f.request(slot(10, 0), 30)
	req.Category = "surgery"
	if _, err := f.svc.Schedule(context.Background(), req); !errors.Is(err, appointment.ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}

	req = f.request(slot(10, 0), 30)
	req.PatientID = uuid.New()
	if _, err := f.svc.Schedule(context.Background(), req); !errors.Is(err, appointment.ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}

	unknown := uuid.New()
	req = f.request(slot(10, 0), 30)
	req.RoomID = &unknown
	if _, err := f.svc.Schedule(context.Background(), req); !errors.Is(err, appointment.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestSchedule_WritesOneAuditEvent(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, f.request(slot(10, 0), 30))

	events := f.repo.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.EventType != appointment.EventAppointmentCreated || *ev.AppointmentID != a.ID {
		t.Fatalf("unexpected event %+v", ev)
	}

	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if _, ok := payload["before"]; ok {
		t.Fatal("create event must not carry a before snapshot")
	}
	if payload["action"] != "create" || payload["resource_type"] != "appointment" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSchedule_AuditFailureKeepsAppointment(t *testing.T) {
	f := newFixture(t)
	f.repo.FailEvents(errors.New("event store unavailable"))

	a := f.schedule(t, f.request(slot(10, 0), 30))

	if _, err := f.svc.GetAppointment(context.Background(), f.org, a.ID); err != nil {
		t.Fatalf("appointment should persist after an audit failure: %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.AuditFailuresTotal); got != 1 {
		t.Fatalf("expected 1 audit failure, got %v", got)
	}
}

func TestReschedule_DoesNotConflictWithItself(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, f.request(slot(10, 0), 30))

	moved, report, err := f.svc.Reschedule(context.Background(), f.org, a.ID, appointment.RescheduleRequest{StartsAt: slot(10, 15)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report != nil {
		t.Fatalf("unexpected conflicts: %+v", report)
	}
	if !moved.StartsAt.Equal(slot(10, 15)) || moved.DurationMinutes != 30 {
		t.Fatalf("unexpected result %s %d", moved.StartsAt, moved.DurationMinutes)
	}

	events := f.repo.Events()
	if len(events) != 2 || events[1].EventType != appointment.EventAppointmentUpdated {
		t.Fatalf("expected create and update events, got %+v", events)
	}
}

func TestReschedule_ReportsEveryConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	blockerPatient := uuid.New()
	f.repo.AddPatient(f.org, blockerPatient, "Grace Hopper")

	// Same clinician, no room.
	clinicianBlock := f.request(slot(15, 0), 30)
	clinicianBlock.PatientID = blockerPatient
	f.schedule(t, clinicianBlock)

	// Other clinician, same room.
	roomBlock := f.request(slot(15, 15), 30)
	roomBlock.PatientID = blockerPatient
	roomBlock.ClinicianID = uuid.New()
	roomBlock.RoomID = &f.room
	f.schedule(t, roomBlock)

	req := f.request(slot(9, 0), 30)
	req.RoomID = &f.room
	a := f.schedule(t, req)

	duration := 45
	moved, report, err := f.svc.Reschedule(ctx, f.org, a.ID, appointment.RescheduleRequest{StartsAt: slot(15, 0), DurationMinutes: &duration})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if moved != nil {
		t.Fatal("appointment must not be moved when conflicts exist")
	}
	if !report.HasConflicts() || len(report.Conflicts) != 2 {
		t.Fatalf("expected clinician and room conflicts, got %+v", report)
	}
	if report.Conflicts[0].Type != appointment.ConflictClinician || report.Conflicts[1].Type != appointment.ConflictRoom {
		t.Fatalf("unexpected conflict order %+v", report.Conflicts)
	}
	if got := report.Conflicts[0].Appointments[0].PatientName; got != "Grace Hopper" {
		t.Fatalf("expected patient name in report, got %q", got)
	}

	unchanged, err := f.svc.GetAppointment(ctx, f.org, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !unchanged.StartsAt.Equal(slot(9, 0)) {
		t.Fatalf("appointment moved despite conflicts: %s", unchanged.StartsAt)
	}
}

func TestReschedule_OnlyScheduledAppointments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.schedule(t, f.request(slot(10, 0), 30))
	if _, err := f.svc.Start(ctx, f.org, a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, _, err := f.svc.Reschedule(ctx, f.org, a.ID, appointment.RescheduleRequest{StartsAt: slot(12, 0)})
	if !errors.Is(err, appointment.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancel_AlreadyCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.schedule(t, f.request(slot(10, 0), 30))
	first, err := f.svc.Cancel(ctx, f.org, a.ID, "first")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.setNow(f.now().Add(time.Hour))
	if _, err := f.svc.Cancel(ctx, f.org, a.ID, "second"); !errors.Is(err, appointment.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := f.svc.GetAppointment(ctx, f.org, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CancelledAt.Equal(*first.CancelledAt) || *got.CancellationReason != "first" {
		t.Fatalf("cancellation details changed: %v %q", got.CancelledAt, *got.CancellationReason)
	}
	if n := len(f.repo.Events()); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestCancelByPatient_Window(t *testing.T) {
	tests := []struct {
		name   string
		before time.Duration
		want   error
	}{
		{"exactly 24h", 24 * time.Hour, nil},
		{"two days", 48 * time.Hour, nil},
		{"23h59m", 23*time.Hour + 59*time.Minute, appointment.ErrCancellationWindowExpired},
		{"one second short", 24*time.Hour - time.Second, appointment.ErrCancellationWindowExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.schedule(t, f.request(slot(10, 0), 30))

			f.setNow(a.StartsAt.Add(-tt.before))
			_, err := f.svc.CancelByPatient(context.Background(), f.org, a.ID, f.patient, "conflict at work")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCancelByPatient_OtherPatient(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, f.request(slot(10, 0), 30))

	_, err := f.svc.CancelByPatient(context.Background(), f.org, a.ID, uuid.New(), "not mine")
	if !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
}

func TestAssignRoom_InactiveRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inactive := uuid.New()
	f.repo.AddRoom(appointment.ExamRoom{ID: inactive, OrganizationID: f.org, Number: "999", Name: "Storage", Active: false})

	a := f.schedule(t, f.request(slot(10, 0), 30))

	// An active booking in the same room at the same time must not change the outcome.
	f.repo.Put(appointment.Appointment{
		ID:              uuid.New(),
		OrganizationID:  f.org,
		PatientID:       f.patient,
		ClinicianID:     uuid.New(),
		RoomID:          &inactive,
		Date:            appointment.CalendarDay(slot(10, 0)),
		StartsAt:        slot(10, 0),
		DurationMinutes: 30,
		Category:        appointment.CategoryRoutine,
		Status:          appointment.StatusScheduled,
	})

	if _, err := f.svc.AssignRoom(ctx, f.org, a.ID, inactive); !errors.Is(err, appointment.ErrRoomInactive) {
		t.Fatalf("expected ErrRoomInactive, got %v", err)
	}

	// An unknown appointment is reported as such, whatever the room.
	if _, err := f.svc.AssignRoom(ctx, f.org, uuid.New(), inactive); !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound for an unknown appointment, got %v", err)
	}
	if _, err := f.svc.AssignRoom(ctx, uuid.New(), a.ID, inactive); !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound from another organization, got %v", err)
	}
}

func TestAssignRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.schedule(t, f.request(slot(10, 0), 30))

	assigned, err := f.svc.AssignRoom(ctx, f.org, a.ID, f.room)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.RoomID == nil || *assigned.RoomID != f.room {
		t.Fatalf("room not assigned: %v", assigned.RoomID)
	}

	// Assigning the same room again changes nothing.
	if _, err := f.svc.AssignRoom(ctx, f.org, a.ID, f.room); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if n := len(f.repo.Events()); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}

	other := f.request(slot(10, 15), 30)
	other.ClinicianID = uuid.New()
	b := f.schedule(t, other)
	if _, err := f.svc.AssignRoom(ctx, f.org, b.ID, f.room); !errors.Is(err, appointment.ErrRoomUnavailable) {
		t.Fatalf("expected ErrRoomUnavailable, got %v", err)
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.schedule(t, f.request(slot(10, 0), 30))

	if _, err := f.svc.Complete(ctx, f.org, a.ID); !errors.Is(err, appointment.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition completing a scheduled visit, got %v", err)
	}
	if _, err := f.svc.Start(ctx, f.org, a.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := f.svc.Complete(ctx, f.org, a.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != appointment.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if _, err := f.svc.MarkNoShow(ctx, f.org, a.ID); !errors.Is(err, appointment.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	history, err := f.svc.History(ctx, f.org, a.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 events, got %d", len(history))
	}
}

func TestSweepNoShows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	overdue := f.schedule(t, f.request(slot(9, 0), 30))
	started := f.schedule(t, f.request(slot(10, 0), 30))
	later := f.schedule(t, f.request(slot(16, 0), 30))

	if _, err := f.svc.Start(ctx, f.org, started.ID); err != nil {
		t.Fatal(err)
	}

	f.setNow(slot(12, 0))
	marked, err := f.svc.SweepNoShows(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 no-show, got %d", marked)
	}

	for id, want := range map[uuid.UUID]appointment.AppointmentStatus{
		overdue.ID: appointment.StatusNoShow,
		started.ID: appointment.StatusInProgress,
		later.ID:   appointment.StatusScheduled,
	} {
		got, err := f.svc.GetAppointment(ctx, f.org, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != want {
			t.Errorf("appointment %s: expected %s, got %s", id, want, got.Status)
		}
	}
}

func TestGetAppointment_OtherOrganization(t *testing.T) {
	f := newFixture(t)
	a := f.schedule(t, f.request(slot(10, 0), 30))

	if _, err := f.svc.GetAppointment(context.Background(), uuid.New(), a.ID); !errors.Is(err, appointment.ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
}
