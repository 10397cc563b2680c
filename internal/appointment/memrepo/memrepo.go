// Package memrepo is an in-memory appointment.Repository used by the
// scheduling and HTTP tests.
package memrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type txKey struct{}

// Repository keeps all rows in maps. Transactions are serialized by a single
// mutex and rolled back by restoring a snapshot, which is enough to give the
// same isolation the scheduling service relies on from Postgres.
type Repository struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	appointments map[uuid.UUID]appointment.Appointment
	rooms        map[uuid.UUID]appointment.ExamRoom
	patients     map[uuid.UUID]patient
	events       []appointment.EventLog
	nextEventID  int64
	eventErr     error
}

var _ appointment.Repository = (*Repository)(nil)

type patient struct {
	orgID uuid.UUID
	name  string
}

func New() *Repository {
	return &Repository{
		appointments: make(map[uuid.UUID]appointment.Appointment),
		rooms:        make(map[uuid.UUID]appointment.ExamRoom),
		patients:     make(map[uuid.UUID]patient),
	}
}

// Seeding

func (r *Repository) AddPatient(orgID, id uuid.UUID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[id] = patient{orgID: orgID, name: name}
}

func (r *Repository) AddRoom(room appointment.ExamRoom) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms[room.ID] = room
}

// Put stores an appointment as is, bypassing every check.
func (r *Repository) Put(a appointment.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.PatientName, _ = r.patientName(a.OrganizationID, a.PatientID)
	r.appointments[a.ID] = *a.Clone()
}

// FailEvents makes InsertEvent return err until it is called with nil.
func (r *Repository) FailEvents(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventErr = err
}

// Events returns a copy of every event written so far.
func (r *Repository) Events() []appointment.EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]appointment.EventLog(nil), r.events...)
}

// Interface methods

func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}

	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	savedAppointments := make(map[uuid.UUID]appointment.Appointment, len(r.appointments))
	for id, a := range r.appointments {
		savedAppointments[id] = a
	}
	savedEvents := len(r.events)
	r.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		r.mu.Lock()
		r.appointments = savedAppointments
		r.events = r.events[:savedEvents]
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *Repository) LockResources(ctx context.Context, _ ...appointment.Resource) error {
	// Holding the transaction mutex already excludes every other writer.
	return ctx.Err()
}

func (r *Repository) GetAppointment(ctx context.Context, orgID, id uuid.UUID) (*appointment.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok || a.OrganizationID != orgID {
		return nil, appointment.ErrAppointmentNotFound
	}
	return a.Clone(), nil
}

func (r *Repository) ActiveAppointmentsFor(ctx context.Context, orgID uuid.UUID, res appointment.Resource, fromDay, toDay time.Time) ([]appointment.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []appointment.Appointment
	for _, a := range r.appointments {
		if a.OrganizationID != orgID || !a.Status.IsActive() {
			continue
		}
		if !occupies(a, res) {
			continue
		}
		if a.Date.Before(fromDay) || a.Date.After(toDay) {
			continue
		}
		result = append(result, *a.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartsAt.Before(result[j].StartsAt)
	})
	return result, nil
}

func occupies(a appointment.Appointment, res appointment.Resource) bool {
	switch res.Kind {
	case appointment.ResourceClinician:
		return a.ClinicianID == res.ID
	case appointment.ResourceRoom:
		return a.RoomID != nil && *a.RoomID == res.ID
	}
	return false
}

func (r *Repository) CreateAppointment(ctx context.Context, a *appointment.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.patientName(a.OrganizationID, a.PatientID)
	if !ok {
		return appointment.ErrPatientNotFound
	}
	if a.RoomID != nil {
		if room, ok := r.rooms[*a.RoomID]; !ok || room.OrganizationID != a.OrganizationID {
			return appointment.ErrRoomNotFound
		}
	}

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.PatientName = name
	r.appointments[a.ID] = *a.Clone()
	return nil
}

// patientName only sees patients of orgID. Callers hold mu.
func (r *Repository) patientName(orgID, id uuid.UUID) (string, bool) {
	p, ok := r.patients[id]
	if !ok || p.orgID != orgID {
		return "", false
	}
	return p.name, true
}

func (r *Repository) UpdateAppointment(ctx context.Context, a *appointment.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.appointments[a.ID]
	if !ok || existing.OrganizationID != a.OrganizationID {
		return appointment.ErrAppointmentNotFound
	}

	a.UpdatedAt = time.Now().UTC()
	r.appointments[a.ID] = *a.Clone()
	return nil
}

func (r *Repository) GetExamRoom(ctx context.Context, orgID, id uuid.UUID) (*appointment.ExamRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok || room.OrganizationID != orgID {
		return nil, appointment.ErrRoomNotFound
	}
	return &room, nil
}

func (r *Repository) ListExamRooms(ctx context.Context, orgID uuid.UUID, activeOnly bool) ([]appointment.ExamRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rooms []appointment.ExamRoom
	for _, room := range r.rooms {
		if room.OrganizationID != orgID || (activeOnly && !room.Active) {
			continue
		}
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].Number < rooms[j].Number
	})
	return rooms, nil
}

func (r *Repository) FindOverdueScheduled(ctx context.Context, endedBefore time.Time, limit int) ([]appointment.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []appointment.Appointment
	for _, a := range r.appointments {
		if a.Status == appointment.StatusScheduled && !a.EndsAt().After(endedBefore) {
			result = append(result, *a.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EndsAt().Before(result[j].EndsAt())
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *Repository) InsertEvent(ctx context.Context, ev appointment.EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.eventErr != nil {
		return r.eventErr
	}

	r.nextEventID++
	ev.ID = r.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Repository) ListEvents(ctx context.Context, orgID, appointmentID uuid.UUID) ([]appointment.EventLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []appointment.EventLog
	for _, ev := range r.events {
		if ev.OrganizationID == orgID && ev.AppointmentID != nil && *ev.AppointmentID == appointmentID {
			events = append(events, ev)
		}
	}
	return events, nil
}
