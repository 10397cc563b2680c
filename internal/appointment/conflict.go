package appointment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ConflictDetector finds active appointments that collide with a candidate
// interval on one resource. It filters in two phases: the repository
// narrows by date, resource and status, then Interval.Overlaps decides.
type ConflictDetector struct {
	finder ActiveAppointmentFinder
	loc    *time.Location
}

// NewConflictDetector returns a detector that reads calendar days in loc,
// the clinic time zone appointment dates are recorded in.
func NewConflictDetector(finder ActiveAppointmentFinder, loc *time.Location) *ConflictDetector {
	if loc == nil {
		loc = time.UTC
	}
	return &ConflictDetector{finder: finder, loc: loc}
}

// FindConflicts returns the active appointments on res overlapping
// candidate, ordered by start time. excludeID, when set, is skipped so an
// appointment being moved is never reported against itself.
func (d *ConflictDetector) FindConflicts(ctx context.Context, orgID uuid.UUID, res Resource, candidate Interval, excludeID *uuid.UUID) ([]Appointment, error) {
	first, last, ok := Interval{Start: candidate.Start.In(d.loc), End: candidate.End.In(d.loc)}.DaySpan()
	if !ok {
		return nil, nil
	}

	existing, err := d.finder.ActiveAppointmentsFor(ctx, orgID, res, first, last)
	if err != nil {
		return nil, fmt.Errorf("load %s appointments: %w", res.Kind, err)
	}

	var conflicts []Appointment
	for _, a := range existing {
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		if !a.Status.IsActive() {
			continue
		}
		if a.Interval().Overlaps(candidate) {
			conflicts = append(conflicts, a)
		}
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].StartsAt.Before(conflicts[j].StartsAt)
	})
	return conflicts, nil
}

func (d *ConflictDetector) FindClinicianConflicts(ctx context.Context, orgID, clinicianID uuid.UUID, candidate Interval, excludeID *uuid.UUID) ([]Appointment, error) {
	return d.FindConflicts(ctx, orgID, ClinicianResource(clinicianID), candidate, excludeID)
}

func (d *ConflictDetector) FindRoomConflicts(ctx context.Context, orgID, roomID uuid.UUID, candidate Interval, excludeID *uuid.UUID) ([]Appointment, error) {
	return d.FindConflicts(ctx, orgID, RoomResource(roomID), candidate, excludeID)
}

func (d *ConflictDetector) HasClinicianConflict(ctx context.Context, orgID, clinicianID uuid.UUID, candidate Interval, excludeID *uuid.UUID) (bool, error) {
	conflicts, err := d.FindClinicianConflicts(ctx, orgID, clinicianID, candidate, excludeID)
	return len(conflicts) > 0, err
}

func (d *ConflictDetector) HasRoomConflict(ctx context.Context, orgID, roomID uuid.UUID, candidate Interval, excludeID *uuid.UUID) (bool, error) {
	conflicts, err := d.FindRoomConflicts(ctx, orgID, roomID, candidate, excludeID)
	return len(conflicts) > 0, err
}

type ConflictType string

const (
	ConflictClinician ConflictType = "clinician"
	ConflictRoom      ConflictType = "room"
)

// ConflictingAppointment is the part of a colliding booking shown to the
// person rescheduling.
type ConflictingAppointment struct {
	ID          uuid.UUID
	PatientName string
	Start       time.Time
	End         time.Time
}

type Conflict struct {
	Type         ConflictType
	Message      string
	Appointments []ConflictingAppointment
}

// ConflictReport lists every conflict that blocked a reschedule.
type ConflictReport struct {
	Conflicts []Conflict
}

func (r *ConflictReport) HasConflicts() bool {
	return r != nil && len(r.Conflicts) > 0
}

func (r *ConflictReport) add(kind ConflictType, appts []Appointment) {
	if len(appts) == 0 {
		return
	}
	c := Conflict{Type: kind}
	switch kind {
	case ConflictClinician:
		c.Message = "The clinician already has an appointment at this time."
	case ConflictRoom:
		c.Message = "The exam room is already booked at this time."
	}
	for _, a := range appts {
		iv := a.Interval()
		c.Appointments = append(c.Appointments, ConflictingAppointment{
			ID:          a.ID,
			PatientName: a.PatientName,
			Start:       iv.Start,
			End:         iv.End,
		})
	}
	r.Conflicts = append(r.Conflicts, c)
}
