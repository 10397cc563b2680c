package appointment

import "errors"

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrRoomNotFound        = errors.New("exam room not found")

	ErrClinicianUnavailable      = errors.New("clinician already has an appointment at this time")
	ErrRoomUnavailable           = errors.New("exam room is already booked at this time")
	ErrRoomInactive              = errors.New("exam room is not active")
	ErrInvalidTransition         = errors.New("invalid status transition")
	ErrCancellationWindowExpired = errors.New("too close to appointment time to cancel")

	ErrValidation      = errors.New("invalid scheduling request")
	ErrInvalidDuration = errors.New("invalid appointment duration")
	ErrInvalidCategory = errors.New("invalid appointment category")
	ErrSpansMidnight   = errors.New("appointment must end on the day it starts")
)
