package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

type ScheduleAppointmentRequest struct {
	PatientID       string  `json:"patient_id"`
	ClinicianID     string  `json:"clinician_id"`
	ExamRoomID      *string `json:"exam_room_id,omitempty"`
	Date            string  `json:"date"` // YYYY-MM-DD, clinic time zone
	Time            string  `json:"time"` // HH:MM, clinic time zone
	DurationMinutes int     `json:"duration_minutes"`
	Category        string  `json:"category"`
	Notes           string  `json:"notes,omitempty"`
}

type RescheduleAppointmentRequest struct {
	Date            string `json:"date"`
	Time            string `json:"time"`
	DurationMinutes *int   `json:"duration_minutes,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason string `json:"reason"`
}

type PatientCancelRequest struct {
	PatientID string `json:"patient_id"`
	Reason    string `json:"reason"`
}

type AssignRoomRequest struct {
	ExamRoomID string `json:"exam_room_id"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	OrganizationID     uuid.UUID  `json:"organization_id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	PatientName        string     `json:"patient_name,omitempty"`
	ClinicianID        uuid.UUID  `json:"clinician_id"`
	ExamRoomID         *uuid.UUID `json:"exam_room_id"`
	Date               string     `json:"date"`
	Time               string     `json:"time"`
	StartsAt           time.Time  `json:"starts_at"`
	EndsAt             time.Time  `json:"ends_at"`
	DurationMinutes    int        `json:"duration_minutes"`
	Category           string     `json:"category"`
	Status             string     `json:"status"`
	Notes              string     `json:"notes,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CancellationReason *string    `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                 a.ID,
		OrganizationID:     a.OrganizationID,
		PatientID:          a.PatientID,
		PatientName:        a.PatientName,
		ClinicianID:        a.ClinicianID,
		ExamRoomID:         a.RoomID,
		Date:               a.StartsAt.Format(dateLayout),
		Time:               a.StartsAt.Format(timeLayout),
		StartsAt:           a.StartsAt,
		EndsAt:             a.EndsAt(),
		DurationMinutes:    a.DurationMinutes,
		Category:           string(a.Category),
		Status:             string(a.Status),
		Notes:              a.Notes,
		CancelledAt:        a.CancelledAt,
		CancellationReason: a.CancellationReason,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

// Conflict report, in the shape consumed by the scheduling front end.

type ConflictReportResponse struct {
	Success   bool               `json:"success"`
	Conflicts []ConflictResponse `json:"conflicts"`
}

type ConflictResponse struct {
	Type                    string                        `json:"type"`
	Message                 string                        `json:"message"`
	ConflictingAppointments []ConflictingAppointmentEntry `json:"conflictingAppointments"`
}

type ConflictingAppointmentEntry struct {
	ID          uuid.UUID `json:"id"`
	PatientName string    `json:"patientName"`
	Time        string    `json:"time"`
}

func toConflictReportResponse(r *appointment.ConflictReport, loc *time.Location) ConflictReportResponse {
	resp := ConflictReportResponse{Success: false, Conflicts: []ConflictResponse{}}
	for _, c := range r.Conflicts {
		entry := ConflictResponse{
			Type:                    string(c.Type),
			Message:                 c.Message,
			ConflictingAppointments: make([]ConflictingAppointmentEntry, 0, len(c.Appointments)),
		}
		for _, a := range c.Appointments {
			entry.ConflictingAppointments = append(entry.ConflictingAppointments, ConflictingAppointmentEntry{
				ID:          a.ID,
				PatientName: a.PatientName,
				Time:        a.Start.In(loc).Format(timeLayout) + "-" + a.End.In(loc).Format(timeLayout),
			})
		}
		resp.Conflicts = append(resp.Conflicts, entry)
	}
	return resp
}

type BookedSlotResponse struct {
	ID          uuid.UUID `json:"id"`
	PatientName string    `json:"patient_name,omitempty"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
}

type RoomAvailabilityResponse struct {
	RoomID                  uuid.UUID            `json:"room_id"`
	RoomName                string               `json:"room_name"`
	RoomNumber              string               `json:"room_number"`
	IsActive                bool                 `json:"is_active"`
	Availability            string               `json:"availability"`
	ConflictingAppointments []BookedSlotResponse `json:"conflicting_appointments"`
}

type ClinicianAvailabilityResponse struct {
	ClinicianID             uuid.UUID            `json:"clinician_id"`
	Availability            string               `json:"availability"`
	ConflictingAppointments []BookedSlotResponse `json:"conflicting_appointments"`
}

func toBookedSlots(slots []appointment.BookedSlot, loc *time.Location) []BookedSlotResponse {
	out := make([]BookedSlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, BookedSlotResponse{
			ID:          s.ID,
			PatientName: s.PatientName,
			StartsAt:    s.Start.In(loc),
			EndsAt:      s.End.In(loc),
		})
	}
	return out
}

type FreeSlotResponse struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
