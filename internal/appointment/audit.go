package appointment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentCreated = "APPOINTMENT_CREATED"
	EventAppointmentUpdated = "APPOINTMENT_UPDATED"
)

type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditUpdate AuditAction = "update"
)

// AuditRecord describes one successful mutation. Before is nil for creates.
type AuditRecord struct {
	Action         AuditAction
	ResourceType   string
	ResourceID     uuid.UUID
	OrganizationID uuid.UUID
	Before         *Appointment
	After          *Appointment
	OccurredAt     time.Time
}

// AuditSink records mutations. The engine calls it once per successful
// state change and treats its failure as a logged fault, not a rollback.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// EventLogSink writes audit records to the event_logs table through the
// repository, so inside a scheduling transaction it shares that
// transaction.
type EventLogSink struct {
	repo interface {
		InsertEvent(ctx context.Context, ev EventLog) error
	}
}

func NewEventLogSink(repo Repository) *EventLogSink {
	return &EventLogSink{repo: repo}
}

type snapshot struct {
	ID                 uuid.UUID         `json:"id"`
	PatientID          uuid.UUID         `json:"patient_id"`
	ClinicianID        uuid.UUID         `json:"clinician_id"`
	RoomID             *uuid.UUID        `json:"exam_room_id"`
	StartsAt           time.Time         `json:"starts_at"`
	DurationMinutes    int               `json:"duration_minutes"`
	Category           Category          `json:"category"`
	Status             AppointmentStatus `json:"status"`
	Notes              string            `json:"notes,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	CancellationReason *string           `json:"cancellation_reason,omitempty"`
}

func snapshotOf(a *Appointment) *snapshot {
	if a == nil {
		return nil
	}
	return &snapshot{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		ClinicianID:        a.ClinicianID,
		RoomID:             a.RoomID,
		StartsAt:           a.StartsAt,
		DurationMinutes:    a.DurationMinutes,
		Category:           a.Category,
		Status:             a.Status,
		Notes:              a.Notes,
		CancelledAt:        a.CancelledAt,
		CancellationReason: a.CancellationReason,
	}
}

func (s *EventLogSink) Record(ctx context.Context, rec AuditRecord) error {
	payload := map[string]any{
		"action":        rec.Action,
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID.String(),
	}
	if rec.Before != nil {
		payload["before"] = snapshotOf(rec.Before)
	}
	if rec.After != nil {
		payload["after"] = snapshotOf(rec.After)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	eventType := EventAppointmentUpdated
	if rec.Action == AuditCreate {
		eventType = EventAppointmentCreated
	}

	id := rec.ResourceID
	ev := EventLog{
		EventType:      eventType,
		OrganizationID: rec.OrganizationID,
		AppointmentID:  &id,
		Payload:        data,
		CreatedAt:      rec.OccurredAt,
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}
