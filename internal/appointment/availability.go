package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type AvailabilityState string

const (
	Available AvailabilityState = "available"
	Busy      AvailabilityState = "busy"
)

// BookedSlot is an active appointment shown on an availability view.
type BookedSlot struct {
	ID          uuid.UUID
	Start       time.Time
	End         time.Time
	PatientName string
}

type RoomAvailability struct {
	RoomID                  uuid.UUID
	RoomName                string
	RoomNumber              string
	IsActive                bool
	Availability            AvailabilityState
	ConflictingAppointments []BookedSlot
}

type ClinicianAvailability struct {
	ClinicianID             uuid.UUID
	Availability            AvailabilityState
	ConflictingAppointments []BookedSlot
}

// AvailabilityCalculator computes read-only busy/available views. It never
// writes and runs outside the scheduling transaction.
type AvailabilityCalculator struct {
	rooms    RoomCatalog
	detector *ConflictDetector
}

func NewAvailabilityCalculator(rooms RoomCatalog, finder ActiveAppointmentFinder, loc *time.Location) *AvailabilityCalculator {
	return &AvailabilityCalculator{
		rooms:    rooms,
		detector: NewConflictDetector(finder, loc),
	}
}

// RoomAvailability reports every active room of the organization, or only
// roomID when it is set. Inactive rooms are never reported. A reversed or
// empty window yields an empty result.
func (c *AvailabilityCalculator) RoomAvailability(ctx context.Context, orgID uuid.UUID, roomID *uuid.UUID, windowStart, windowEnd time.Time) ([]RoomAvailability, error) {
	window := Interval{Start: windowStart, End: windowEnd}
	if window.Empty() {
		return []RoomAvailability{}, nil
	}

	var rooms []ExamRoom
	if roomID != nil {
		room, err := c.rooms.GetExamRoom(ctx, orgID, *roomID)
		if err != nil {
			if errors.Is(err, ErrRoomNotFound) {
				return []RoomAvailability{}, nil
			}
			return nil, fmt.Errorf("load exam room: %w", err)
		}
		rooms = []ExamRoom{*room}
	} else {
		var err error
		rooms, err = c.rooms.ListExamRooms(ctx, orgID, true)
		if err != nil {
			return nil, fmt.Errorf("list exam rooms: %w", err)
		}
	}

	result := make([]RoomAvailability, 0, len(rooms))
	for _, room := range rooms {
		if !room.Active {
			continue
		}
		booked, err := c.booked(ctx, orgID, RoomResource(room.ID), window)
		if err != nil {
			return nil, err
		}
		result = append(result, RoomAvailability{
			RoomID:                  room.ID,
			RoomName:                room.Name,
			RoomNumber:              room.Number,
			IsActive:                room.Active,
			Availability:            stateOf(booked),
			ConflictingAppointments: booked,
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].RoomNumber < result[j].RoomNumber
	})
	return result, nil
}

// ClinicianAvailability is the clinician-side twin of RoomAvailability.
// Clinician ids are opaque, so every requested id gets an entry.
func (c *AvailabilityCalculator) ClinicianAvailability(ctx context.Context, orgID uuid.UUID, clinicianIDs []uuid.UUID, windowStart, windowEnd time.Time) ([]ClinicianAvailability, error) {
	window := Interval{Start: windowStart, End: windowEnd}
	if window.Empty() {
		return []ClinicianAvailability{}, nil
	}

	result := make([]ClinicianAvailability, 0, len(clinicianIDs))
	seen := make(map[uuid.UUID]bool, len(clinicianIDs))
	for _, id := range clinicianIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		booked, err := c.booked(ctx, orgID, ClinicianResource(id), window)
		if err != nil {
			return nil, err
		}
		result = append(result, ClinicianAvailability{
			ClinicianID:             id,
			Availability:            stateOf(booked),
			ConflictingAppointments: booked,
		})
	}
	return result, nil
}

// FreeSlots returns the gaps of at least slotMinutes inside openHours that
// no active appointment of res occupies.
func (c *AvailabilityCalculator) FreeSlots(ctx context.Context, orgID uuid.UUID, res Resource, openHours Interval, slotMinutes int) ([]Interval, error) {
	if openHours.Empty() || slotMinutes <= 0 {
		return []Interval{}, nil
	}

	busy, err := c.detector.FindConflicts(ctx, orgID, res, openHours, nil)
	if err != nil {
		return nil, err
	}

	minLen := time.Duration(slotMinutes) * time.Minute
	free := []Interval{}
	cursor := openHours.Start

	// busy is sorted by start; walking it while advancing the cursor past
	// each block merges overlapping and adjacent bookings.
	for _, a := range busy {
		iv := a.Interval()
		if iv.Start.After(cursor) {
			gap := Interval{Start: cursor, End: minTime(iv.Start, openHours.End)}
			if gap.Duration() >= minLen {
				free = append(free, gap)
			}
		}
		if iv.End.After(cursor) {
			cursor = iv.End
		}
	}
	if tail := (Interval{Start: cursor, End: openHours.End}); tail.Duration() >= minLen {
		free = append(free, tail)
	}
	return free, nil
}

func (c *AvailabilityCalculator) booked(ctx context.Context, orgID uuid.UUID, res Resource, window Interval) ([]BookedSlot, error) {
	conflicts, err := c.detector.FindConflicts(ctx, orgID, res, window, nil)
	if err != nil {
		return nil, err
	}
	booked := make([]BookedSlot, 0, len(conflicts))
	for _, a := range conflicts {
		iv := a.Interval()
		booked = append(booked, BookedSlot{
			ID:          a.ID,
			Start:       iv.Start,
			End:         iv.End,
			PatientName: a.PatientName,
		})
	}
	return booked, nil
}

func stateOf(booked []BookedSlot) AvailabilityState {
	if len(booked) > 0 {
		return Busy
	}
	return Available
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
