package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/db"
)

const (
	pgExclusionViolation  = "23P01"
	pgForeignKeyViolation = "23503"

	clinicianOverlapConstraint = "appointments_clinician_no_overlap"
	roomOverlapConstraint      = "appointments_room_no_overlap"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

// Helpers

const appointmentColumns = `
	a.id, a.organization_id, a.patient_id, a.clinician_id, a.exam_room_id,
	a.appointment_date, a.starts_at, a.duration_minutes, a.category, a.status,
	a.notes, a.cancelled_at, a.cancellation_reason, a.created_at, a.updated_at,
	COALESCE(p.name, '')`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.OrganizationID,
		&a.PatientID,
		&a.ClinicianID,
		&a.RoomID,
		&a.Date,
		&a.StartsAt,
		&a.DurationMinutes,
		&a.Category,
		&a.Status,
		&a.Notes,
		&a.CancelledAt,
		&a.CancellationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.PatientName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = CalendarDay(a.Date.UTC())
	return &a, nil
}

func scanExamRoom(row pgx.Row) (*ExamRoom, error) {
	var room ExamRoom

	err := row.Scan(
		&room.ID,
		&room.OrganizationID,
		&room.Number,
		&room.Name,
		&room.Active,
		&room.Capacity,
		&room.Equipment,
		&room.Floor,
		&room.Notes,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}

	return &room, nil
}

// mapWriteError turns constraint violations into domain errors. The
// exclusion constraints are the last line of defence behind the locks.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgExclusionViolation:
		switch pgErr.ConstraintName {
		case clinicianOverlapConstraint:
			return ErrClinicianUnavailable
		case roomOverlapConstraint:
			return ErrRoomUnavailable
		}
	case pgForeignKeyViolation:
		if pgErr.ConstraintName == "appointments_patient_id_fkey" {
			return ErrPatientNotFound
		}
		if pgErr.ConstraintName == "appointments_exam_room_id_fkey" {
			return ErrRoomNotFound
		}
	}
	return err
}

// Interface methods

func (r *PgRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
}

// LockResources takes transaction-scoped advisory locks, always in the same
// order, so concurrent writers on the same clinician or room queue up.
func (r *PgRepository) LockResources(ctx context.Context, resources ...Resource) error {
	if db.TxFromContext(ctx) == nil {
		return errors.New("LockResources called outside a transaction")
	}

	keys := make([]string, 0, len(resources))
	for _, res := range resources {
		keys = append(keys, res.LockKey())
	}
	sort.Strings(keys)

	for i, key := range keys {
		if i > 0 && keys[i-1] == key {
			continue
		}
		if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return fmt.Errorf("advisory lock %s: %w", key, err)
		}
	}
	return nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, orgID, id uuid.UUID) (*Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id AND p.organization_id = a.organization_id
		WHERE a.id = $1 AND a.organization_id = $2
	`
	if db.TxFromContext(ctx) != nil {
		query += ` FOR UPDATE OF a`
	}

	return scanAppointment(r.conn(ctx).QueryRow(ctx, query, id, orgID))
}

func (r *PgRepository) ActiveAppointmentsFor(ctx context.Context, orgID uuid.UUID, res Resource, fromDay, toDay time.Time) ([]Appointment, error) {
	column := "a.clinician_id"
	if res.Kind == ResourceRoom {
		column = "a.exam_room_id"
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id AND p.organization_id = a.organization_id
		WHERE a.organization_id = $1
		  AND `+column+` = $2
		  AND a.status IN ('scheduled', 'in_progress')
		  AND a.appointment_date BETWEEN $3 AND $4
		ORDER BY a.starts_at
	`, orgID, res.ID, fromDay, toDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	if err := r.hydratePatientName(ctx, a); err != nil {
		return err
	}

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO appointments (
			id, organization_id, patient_id, clinician_id, exam_room_id,
			appointment_date, starts_at, ends_at, duration_minutes, category,
			status, notes, cancelled_at, cancellation_reason, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		a.ID, a.OrganizationID, a.PatientID, a.ClinicianID, a.RoomID,
		a.Date, a.StartsAt, a.EndsAt(), a.DurationMinutes, a.Category,
		a.Status, a.Notes, a.CancelledAt, a.CancellationReason, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	return nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	a.UpdatedAt = time.Now().UTC()

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET exam_room_id = $3,
		    appointment_date = $4,
		    starts_at = $5,
		    ends_at = $6,
		    duration_minutes = $7,
		    status = $8,
		    notes = $9,
		    cancelled_at = $10,
		    cancellation_reason = $11,
		    updated_at = $12
		WHERE id = $1 AND organization_id = $2
	`,
		a.ID, a.OrganizationID, a.RoomID, a.Date, a.StartsAt, a.EndsAt(),
		a.DurationMinutes, a.Status, a.Notes, a.CancelledAt, a.CancellationReason, a.UpdatedAt,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// hydratePatientName only resolves patients of the appointment's own
// organization; anyone else's patient is reported as not found.
func (r *PgRepository) hydratePatientName(ctx context.Context, a *Appointment) error {
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT name FROM patients WHERE id = $1 AND organization_id = $2`,
		a.PatientID, a.OrganizationID,
	).Scan(&a.PatientName)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPatientNotFound
	}
	return err
}

func (r *PgRepository) GetExamRoom(ctx context.Context, orgID, id uuid.UUID) (*ExamRoom, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT id, organization_id, room_number, name, is_active, capacity,
		       equipment, floor, notes, created_at, updated_at
		FROM exam_rooms
		WHERE id = $1 AND organization_id = $2
	`, id, orgID)
	return scanExamRoom(row)
}

func (r *PgRepository) ListExamRooms(ctx context.Context, orgID uuid.UUID, activeOnly bool) ([]ExamRoom, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, organization_id, room_number, name, is_active, capacity,
		       equipment, floor, notes, created_at, updated_at
		FROM exam_rooms
		WHERE organization_id = $1
		  AND (NOT $2 OR is_active)
		ORDER BY room_number
	`, orgID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []ExamRoom
	for rows.Next() {
		room, err := scanExamRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

func (r *PgRepository) FindOverdueScheduled(ctx context.Context, endedBefore time.Time, limit int) ([]Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id AND p.organization_id = a.organization_id
		WHERE a.status = 'scheduled'
		  AND a.ends_at <= $1
		ORDER BY a.ends_at
		LIMIT $2
	`, endedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// InsertEvent runs under a savepoint when called inside a transaction, so a
// failed insert leaves the surrounding booking intact.
func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	return db.Savepoint(ctx, r.pool, func(q db.Queryable) error {
		_, err := q.Exec(ctx, `
			INSERT INTO event_logs (event_type, organization_id, appointment_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, ev.EventType, ev.OrganizationID, ev.AppointmentID, ev.Payload, ev.CreatedAt)
		return err
	})
}

// ListEvents returns the audit trail of one appointment, oldest first.
func (r *PgRepository) ListEvents(ctx context.Context, orgID, appointmentID uuid.UUID) ([]EventLog, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, event_type, organization_id, appointment_id, payload, created_at
		FROM event_logs
		WHERE organization_id = $1 AND appointment_id = $2
		ORDER BY id
	`, orgID, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventLog
	for rows.Next() {
		var ev EventLog
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.OrganizationID, &ev.AppointmentID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
