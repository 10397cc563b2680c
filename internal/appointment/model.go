package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "scheduled"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no_show"
)

// ActiveStatuses are the statuses that occupy a clinician or room.
var ActiveStatuses = []AppointmentStatus{StatusScheduled, StatusInProgress}

func (s AppointmentStatus) IsActive() bool {
	return s == StatusScheduled || s == StatusInProgress
}

func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// State transitions:
//
//	scheduled   → in_progress | cancelled | no_show
//	in_progress → completed | cancelled
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusNoShow:     {},
}

type Category string

const (
	CategoryRoutine      Category = "routine"
	CategoryFollowUp     Category = "follow_up"
	CategoryConsultation Category = "consultation"
	CategoryEmergency    Category = "emergency"
)

func (c Category) IsValid() bool {
	switch c {
	case CategoryRoutine, CategoryFollowUp, CategoryConsultation, CategoryEmergency:
		return true
	}
	return false
}

type ResourceKind string

const (
	ResourceClinician ResourceKind = "clinician"
	ResourceRoom      ResourceKind = "room"
)

// Resource is a bookable entity: a clinician or an exam room.
type Resource struct {
	Kind ResourceKind
	ID   uuid.UUID
}

func ClinicianResource(id uuid.UUID) Resource { return Resource{Kind: ResourceClinician, ID: id} }
func RoomResource(id uuid.UUID) Resource      { return Resource{Kind: ResourceRoom, ID: id} }

func (r Resource) LockKey() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

type Appointment struct {
	ID                 uuid.UUID
	OrganizationID     uuid.UUID
	PatientID          uuid.UUID
	ClinicianID        uuid.UUID
	RoomID             *uuid.UUID
	Date               time.Time // calendar day, midnight UTC
	StartsAt           time.Time
	DurationMinutes    int
	Category           Category
	Status             AppointmentStatus
	Notes              string
	CancelledAt        *time.Time
	CancellationReason *string
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// PatientName is hydrated from the patients table on reads.
	PatientName string
}

func (a *Appointment) Interval() Interval {
	return NewInterval(a.StartsAt, a.DurationMinutes)
}

func (a *Appointment) EndsAt() time.Time {
	return a.Interval().End
}

func (a *Appointment) CanTransitionTo(next AppointmentStatus) bool {
	for _, s := range transitions[a.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// Resources lists the resources the appointment occupies while active.
func (a *Appointment) Resources() []Resource {
	res := []Resource{ClinicianResource(a.ClinicianID)}
	if a.RoomID != nil {
		res = append(res, RoomResource(*a.RoomID))
	}
	return res
}

func (a *Appointment) transition(next AppointmentStatus) error {
	if !a.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
	}
	a.Status = next
	return nil
}

func (a *Appointment) cancel(reason string, at time.Time) error {
	if err := a.transition(StatusCancelled); err != nil {
		return err
	}
	a.CancelledAt = &at
	a.CancellationReason = &reason
	return nil
}

// Clone returns a deep copy, used for before/after audit snapshots.
func (a *Appointment) Clone() *Appointment {
	c := *a
	if a.RoomID != nil {
		id := *a.RoomID
		c.RoomID = &id
	}
	if a.CancelledAt != nil {
		at := *a.CancelledAt
		c.CancelledAt = &at
	}
	if a.CancellationReason != nil {
		r := *a.CancellationReason
		c.CancellationReason = &r
	}
	return &c
}

type ExamRoom struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Number         string
	Name           string
	Active         bool
	Capacity       int
	Equipment      []string
	Floor          *string
	Notes          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type EventLog struct {
	ID             int64
	EventType      string
	OrganizationID uuid.UUID
	AppointmentID  *uuid.UUID
	Payload        []byte
	CreatedAt      time.Time
}

// ScheduleRequest carries everything needed to book a new appointment.
type ScheduleRequest struct {
	OrganizationID  uuid.UUID
	PatientID       uuid.UUID
	ClinicianID     uuid.UUID
	RoomID          *uuid.UUID
	StartsAt        time.Time
	DurationMinutes int
	Category        Category
	Notes           string
}

// RescheduleRequest moves an appointment. A nil DurationMinutes keeps the
// current duration.
type RescheduleRequest struct {
	StartsAt        time.Time
	DurationMinutes *int
}

// Policy holds the business rules that come from configuration.
type Policy struct {
	MinDurationMinutes int
	MaxDurationMinutes int
	CancellationNotice time.Duration
	Location           *time.Location // clinic time zone
}

func DefaultPolicy() Policy {
	return Policy{
		MinDurationMinutes: 15,
		MaxDurationMinutes: 480,
		CancellationNotice: 24 * time.Hour,
		Location:           time.UTC,
	}
}

func (p Policy) validateSlot(startsAt time.Time, durationMinutes int) error {
	if startsAt.IsZero() {
		return fmt.Errorf("%w: start time is required", ErrValidation)
	}
	if durationMinutes < p.MinDurationMinutes || durationMinutes > p.MaxDurationMinutes {
		return fmt.Errorf("%w: must be between %d and %d minutes", ErrInvalidDuration, p.MinDurationMinutes, p.MaxDurationMinutes)
	}
	if NewInterval(startsAt, durationMinutes).End.After(endOfDay(startsAt)) {
		return ErrSpansMidnight
	}
	return nil
}

func (p Policy) validateSchedule(req ScheduleRequest) error {
	switch {
	case req.OrganizationID == uuid.Nil:
		return fmt.Errorf("%w: organization_id is required", ErrValidation)
	case req.PatientID == uuid.Nil:
		return fmt.Errorf("%w: patient_id is required", ErrValidation)
	case req.ClinicianID == uuid.Nil:
		return fmt.Errorf("%w: clinician_id is required", ErrValidation)
	case req.RoomID != nil && *req.RoomID == uuid.Nil:
		return fmt.Errorf("%w: room_id must not be the nil uuid", ErrValidation)
	case !req.Category.IsValid():
		return ErrInvalidCategory
	}
	return p.validateSlot(req.StartsAt, req.DurationMinutes)
}
