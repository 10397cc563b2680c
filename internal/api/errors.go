package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// serviceErrors maps domain errors to a status and a stable error code.
// Order matters: the first match wins.
var serviceErrors = []struct {
	err    error
	status int
	code   string
}{
	{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{appointment.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
	{appointment.ErrRoomNotFound, http.StatusNotFound, "room_not_found"},
	{appointment.ErrClinicianUnavailable, http.StatusConflict, "clinician_unavailable"},
	{appointment.ErrRoomUnavailable, http.StatusConflict, "room_unavailable"},
	{appointment.ErrResourceBusy, http.StatusConflict, "resource_busy"},
	{appointment.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{appointment.ErrRoomInactive, http.StatusUnprocessableEntity, "room_inactive"},
	{appointment.ErrCancellationWindowExpired, http.StatusUnprocessableEntity, "cancellation_window_expired"},
	{appointment.ErrInvalidDuration, http.StatusBadRequest, "invalid_duration"},
	{appointment.ErrInvalidCategory, http.StatusBadRequest, "invalid_category"},
	{appointment.ErrSpansMidnight, http.StatusBadRequest, "spans_midnight"},
	{appointment.ErrValidation, http.StatusBadRequest, "validation_error"},
}

func writeServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	for _, e := range serviceErrors {
		if errors.Is(err, e.err) {
			if e.code == "resource_busy" {
				w.Header().Set("Retry-After", "1")
			}
			writeError(w, e.status, e.code, err.Error())
			return
		}
	}

	log.Error("request failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
}
