package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ActiveAppointmentFinder is the coarse query behind every conflict check:
// appointments of one resource, with an active status, whose calendar date
// lies in [fromDay, toDay]. Exact interval overlap is decided by the caller.
type ActiveAppointmentFinder interface {
	ActiveAppointmentsFor(ctx context.Context, orgID uuid.UUID, res Resource, fromDay, toDay time.Time) ([]Appointment, error)
}

// RoomCatalog answers exam room lookups for availability and assignment.
type RoomCatalog interface {
	GetExamRoom(ctx context.Context, orgID, id uuid.UUID) (*ExamRoom, error)
	ListExamRooms(ctx context.Context, orgID uuid.UUID, activeOnly bool) ([]ExamRoom, error)
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	ActiveAppointmentFinder
	RoomCatalog

	// WithinTx runs fn in one transaction. Repository calls made with the
	// context passed to fn join that transaction.
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// LockResources serializes writers per resource until the surrounding
	// transaction ends. Must be called inside WithinTx.
	LockResources(ctx context.Context, resources ...Resource) error

	// GetAppointment loads one appointment, locking its row when called
	// inside a transaction.
	GetAppointment(ctx context.Context, orgID, id uuid.UUID) (*Appointment, error)

	CreateAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error

	// No-show worker
	FindOverdueScheduled(ctx context.Context, endedBefore time.Time, limit int) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
	ListEvents(ctx context.Context, orgID, appointmentID uuid.UUID) ([]EventLog, error)
}
