package appointment

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAppointment_Transitions(t *testing.T) {
	tests := []struct {
		from AppointmentStatus
		to   AppointmentStatus
		ok   bool
	}{
		{StatusScheduled, StatusInProgress, true},
		{StatusScheduled, StatusCancelled, true},
		{StatusScheduled, StatusNoShow, true},
		{StatusScheduled, StatusCompleted, false},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusInProgress, StatusNoShow, false},
		{StatusCompleted, StatusCancelled, false},
		{StatusCancelled, StatusCancelled, false},
		{StatusCancelled, StatusScheduled, false},
		{StatusNoShow, StatusInProgress, false},
	}

	for _, tt := range tests {
		a := &Appointment{Status: tt.from}
		err := a.transition(tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
		if !tt.ok && a.Status != tt.from {
			t.Errorf("%s -> %s: status changed on a rejected transition", tt.from, tt.to)
		}
	}
}

func TestAppointment_CancelTwiceKeepsFirstStamp(t *testing.T) {
	a := &Appointment{Status: StatusScheduled}
	first := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	if err := a.cancel("sick", first); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.cancel("changed mind", first.Add(time.Hour)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if !a.CancelledAt.Equal(first) || *a.CancellationReason != "sick" {
		t.Fatalf("cancellation details were overwritten: %v %q", a.CancelledAt, *a.CancellationReason)
	}
}

func TestAppointment_CloneIsDeep(t *testing.T) {
	room := uuid.New()
	a := &Appointment{ID: uuid.New(), RoomID: &room}
	c := a.Clone()

	other := uuid.New()
	*c.RoomID = other
	if *a.RoomID != room {
		t.Fatal("clone shares the room pointer")
	}
}

func TestAppointment_Resources(t *testing.T) {
	clinician, room := uuid.New(), uuid.New()

	a := &Appointment{ClinicianID: clinician}
	if got := a.Resources(); len(got) != 1 || got[0] != ClinicianResource(clinician) {
		t.Fatalf("unexpected resources %v", got)
	}

	a.RoomID = &room
	if got := a.Resources(); len(got) != 2 || got[1].LockKey() != "room:"+room.String() {
		t.Fatalf("unexpected resources %v", got)
	}
}

func TestPolicy_ValidateSchedule(t *testing.T) {
	p := DefaultPolicy()
	valid := ScheduleRequest{
		OrganizationID:  uuid.New(),
		PatientID:       uuid.New(),
		ClinicianID:     uuid.New(),
		StartsAt:        time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
		Category:        CategoryRoutine,
	}

	if err := p.validateSchedule(valid); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *ScheduleRequest)
		want   error
	}{
		{"missing clinician", func(r *ScheduleRequest) { r.ClinicianID = uuid.Nil }, ErrValidation},
		{"missing start", func(r *ScheduleRequest) { r.StartsAt = time.Time{} }, ErrValidation},
		{"too short", func(r *ScheduleRequest) { r.DurationMinutes = 5 }, ErrInvalidDuration},
		{"too long", func(r *ScheduleRequest) { r.DurationMinutes = 481 }, ErrInvalidDuration},
		{"bad category", func(r *ScheduleRequest) { r.Category = "surgery" }, ErrInvalidCategory},
		{"past midnight", func(r *ScheduleRequest) { r.StartsAt = time.Date(2025, 3, 10, 23, 45, 0, 0, time.UTC) }, ErrSpansMidnight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if err := p.validateSchedule(req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPolicy_EndingAtMidnightIsAllowed(t *testing.T) {
	p := DefaultPolicy()
	if err := p.validateSlot(time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC), 30); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
