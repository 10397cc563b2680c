package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// SchedulingService is the part of appointment.Service the handlers use.
type SchedulingService interface {
	Schedule(ctx context.Context, req appointment.ScheduleRequest) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, orgID, id uuid.UUID, req appointment.RescheduleRequest) (*appointment.Appointment, *appointment.ConflictReport, error)
	Cancel(ctx context.Context, orgID, id uuid.UUID, reason string) (*appointment.Appointment, error)
	CancelByPatient(ctx context.Context, orgID, id, patientID uuid.UUID, reason string) (*appointment.Appointment, error)
	Start(ctx context.Context, orgID, id uuid.UUID) (*appointment.Appointment, error)
	Complete(ctx context.Context, orgID, id uuid.UUID) (*appointment.Appointment, error)
	MarkNoShow(ctx context.Context, orgID, id uuid.UUID) (*appointment.Appointment, error)
	AssignRoom(ctx context.Context, orgID, id, roomID uuid.UUID) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, orgID, id uuid.UUID) (*appointment.Appointment, error)
	History(ctx context.Context, orgID, id uuid.UUID) ([]appointment.EventLog, error)
}

type AvailabilityService interface {
	RoomAvailability(ctx context.Context, orgID uuid.UUID, roomID *uuid.UUID, windowStart, windowEnd time.Time) ([]appointment.RoomAvailability, error)
	ClinicianAvailability(ctx context.Context, orgID uuid.UUID, clinicianIDs []uuid.UUID, windowStart, windowEnd time.Time) ([]appointment.ClinicianAvailability, error)
	FreeSlots(ctx context.Context, orgID uuid.UUID, res appointment.Resource, openHours appointment.Interval, slotMinutes int) ([]appointment.Interval, error)
}

type handlers struct {
	svc   SchedulingService
	avail AvailabilityService
	loc   *time.Location
	log   *zap.Logger
}

func (h *handlers) schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}

	clinicianID, err := uuid.Parse(req.ClinicianID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_clinician_id", "clinician_id must be a valid UUID")
		return
	}

	var roomID *uuid.UUID
	if req.ExamRoomID != nil && *req.ExamRoomID != "" {
		id, err := uuid.Parse(*req.ExamRoomID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_exam_room_id", "exam_room_id must be a valid UUID")
			return
		}
		roomID = &id
	}

	startsAt, err := parseSlot(h.loc, req.Date, req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
		return
	}

	appt, err := h.svc.Schedule(r.Context(), appointment.ScheduleRequest{
		OrganizationID:  OrganizationID(r.Context()),
		PatientID:       patientID,
		ClinicianID:     clinicianID,
		RoomID:          roomID,
		StartsAt:        startsAt,
		DurationMinutes: req.DurationMinutes,
		Category:        appointment.Category(req.Category),
		Notes:           req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), OrganizationID(r.Context()), id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	events, err := h.svc.History(r.Context(), OrganizationID(r.Context()), id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	resp := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, EventResponse{
			ID:        ev.ID,
			EventType: ev.EventType,
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req RescheduleAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	startsAt, err := parseSlot(h.loc, req.Date, req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
		return
	}

	appt, report, err := h.svc.Reschedule(r.Context(), OrganizationID(r.Context()), id, appointment.RescheduleRequest{
		StartsAt:        startsAt,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	if report.HasConflicts() {
		writeJSON(w, http.StatusConflict, toConflictReportResponse(report, h.loc))
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req CancelAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "missing_reason", "reason is required")
		return
	}

	appt, err := h.svc.Cancel(r.Context(), OrganizationID(r.Context()), id, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) patientCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req PatientCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "missing_reason", "reason is required")
		return
	}

	appt, err := h.svc.CancelByPatient(r.Context(), OrganizationID(r.Context()), id, patientID, req.Reason)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

type transitionFunc func(ctx context.Context, orgID, id uuid.UUID) (*appointment.Appointment, error)

// statusChange serves the body-less lifecycle endpoints: start, complete
// and no-show.
func (h *handlers) statusChange(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		appt, err := fn(r.Context(), OrganizationID(r.Context()), id)
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func (h *handlers) assignRoom(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	var req AssignRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	roomID, err := uuid.Parse(req.ExamRoomID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_exam_room_id", "exam_room_id must be a valid UUID")
		return
	}

	appt, err := h.svc.AssignRoom(r.Context(), OrganizationID(r.Context()), id, roomID)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *handlers) roomAvailability(w http.ResponseWriter, r *http.Request) {
	start, end, ok := h.window(w, r)
	if !ok {
		return
	}

	var roomID *uuid.UUID
	if raw := r.URL.Query().Get("room_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_room_id", "room_id must be a valid UUID")
			return
		}
		roomID = &id
	}

	rooms, err := h.avail.RoomAvailability(r.Context(), OrganizationID(r.Context()), roomID, start, end)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	resp := make([]RoomAvailabilityResponse, 0, len(rooms))
	for _, room := range rooms {
		resp = append(resp, RoomAvailabilityResponse{
			RoomID:                  room.RoomID,
			RoomName:                room.RoomName,
			RoomNumber:              room.RoomNumber,
			IsActive:                room.IsActive,
			Availability:            string(room.Availability),
			ConflictingAppointments: toBookedSlots(room.ConflictingAppointments, h.loc),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) clinicianAvailability(w http.ResponseWriter, r *http.Request) {
	start, end, ok := h.window(w, r)
	if !ok {
		return
	}

	raw := r.URL.Query()["clinician_id"]
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "missing_clinician_id", "at least one clinician_id is required")
		return
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinician_id", "clinician_id must be a valid UUID")
			return
		}
		ids = append(ids, id)
	}

	clinicians, err := h.avail.ClinicianAvailability(r.Context(), OrganizationID(r.Context()), ids, start, end)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	resp := make([]ClinicianAvailabilityResponse, 0, len(clinicians))
	for _, c := range clinicians {
		resp = append(resp, ClinicianAvailabilityResponse{
			ClinicianID:             c.ClinicianID,
			Availability:            string(c.Availability),
			ConflictingAppointments: toBookedSlots(c.ConflictingAppointments, h.loc),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// freeSlots serves /clinicians/{id}/free-slots and /rooms/{id}/free-slots.
func (h *handlers) freeSlots(kind appointment.ResourceKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathUUID(w, r, "id")
		if !ok {
			return
		}

		q := r.URL.Query()
		openAt, err := parseSlot(h.loc, q.Get("date"), valueOr(q.Get("open"), "08:00"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_open", err.Error())
			return
		}
		closeAt, err := parseSlot(h.loc, q.Get("date"), valueOr(q.Get("close"), "18:00"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_close", err.Error())
			return
		}
		minutes, err := strconv.Atoi(valueOr(q.Get("minutes"), "30"))
		if err != nil || minutes <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_minutes", "minutes must be a positive integer")
			return
		}

		res := appointment.Resource{Kind: kind, ID: id}
		slots, err := h.avail.FreeSlots(r.Context(), OrganizationID(r.Context()), res, appointment.Interval{Start: openAt, End: closeAt}, minutes)
		if err != nil {
			writeServiceError(w, r, h.log, err)
			return
		}

		resp := make([]FreeSlotResponse, 0, len(slots))
		for _, s := range slots {
			resp = append(resp, FreeSlotResponse{StartsAt: s.Start.In(h.loc), EndsAt: s.End.In(h.loc)})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// Helpers

// maxWindow bounds availability queries.
const maxWindow = 31 * 24 * time.Hour

func (h *handlers) window(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()

	start, err := parseInstant(h.loc, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", err.Error())
		return time.Time{}, time.Time{}, false
	}
	end, err := parseInstant(h.loc, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_end", err.Error())
		return time.Time{}, time.Time{}, false
	}
	if end.Sub(start) > maxWindow {
		writeError(w, http.StatusBadRequest, "window_too_large", fmt.Sprintf("window must not exceed %s", maxWindow))
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// parseSlot reads a wall-clock date and time in the clinic time zone.
func parseSlot(loc *time.Location, date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD and time HH:MM: %w", err)
	}
	return t, nil
}

// parseInstant accepts RFC 3339 or a zone-less "YYYY-MM-DDTHH:MM" read in
// the clinic time zone.
func parseInstant(loc *time.Location, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("value is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not RFC 3339 or YYYY-MM-DDTHH:MM", s)
	}
	return t, nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
