package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/metrics"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

var (
	ErrResourceBusy = errors.New("resource is currently being booked, please retry")

	errResourcesChanged = errors.New("appointment resources changed while waiting for lock")
)

const maxLockAttempts = 3

// Service is the scheduling engine. It holds no mutable state of its own
// and is safe for concurrent use; every decision is made against the
// repository inside a transaction that holds the affected resource locks.
type Service struct {
	repo     Repository
	locker   redisclient.Locker
	audit    AuditSink
	detector *ConflictDetector
	policy   Policy

	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Collector
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(repo Repository, locker redisclient.Locker, audit AuditSink, policy Policy, opts ...Option) *Service {
	if policy.Location == nil {
		policy.Location = time.UTC
	}
	s := &Service{
		repo:     repo,
		locker:   locker,
		audit:    audit,
		detector: NewConflictDetector(repo, policy.Location),
		policy:   policy,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Detector() *ConflictDetector {
	return s.detector
}

// Schedule books a new appointment. The conflict checks and the insert run
// under the clinician (and room) locks in one transaction, so two
// overlapping requests for the same resource cannot both succeed.
func (s *Service) Schedule(ctx context.Context, req ScheduleRequest) (*Appointment, error) {
	req.StartsAt = req.StartsAt.In(s.policy.Location)
	if err := s.policy.validateSchedule(req); err != nil {
		s.observe("schedule", err)
		return nil, err
	}

	candidate := NewInterval(req.StartsAt, req.DurationMinutes)
	resources := []Resource{ClinicianResource(req.ClinicianID)}
	if req.RoomID != nil {
		resources = append(resources, RoomResource(*req.RoomID))
	}

	var created *Appointment

	err := s.reserve(ctx, "schedule", resources, func(txCtx context.Context) error {
		if req.RoomID != nil {
			if err := s.requireActiveRoom(txCtx, req.OrganizationID, *req.RoomID); err != nil {
				return err
			}
		}

		busy, err := s.detector.HasClinicianConflict(txCtx, req.OrganizationID, req.ClinicianID, candidate, nil)
		if err != nil {
			return fmt.Errorf("check clinician conflicts: %w", err)
		}
		if busy {
			s.metrics.ObserveConflict(string(ResourceClinician))
			return ErrClinicianUnavailable
		}

		if req.RoomID != nil {
			busy, err := s.detector.HasRoomConflict(txCtx, req.OrganizationID, *req.RoomID, candidate, nil)
			if err != nil {
				return fmt.Errorf("check room conflicts: %w", err)
			}
			if busy {
				s.metrics.ObserveConflict(string(ResourceRoom))
				return ErrRoomUnavailable
			}
		}

		appt := &Appointment{
			ID:              uuid.New(),
			OrganizationID:  req.OrganizationID,
			PatientID:       req.PatientID,
			ClinicianID:     req.ClinicianID,
			RoomID:          req.RoomID,
			Date:            CalendarDay(req.StartsAt),
			StartsAt:        req.StartsAt,
			DurationMinutes: req.DurationMinutes,
			Category:        req.Category,
			Status:          StatusScheduled,
			Notes:           req.Notes,
		}
		if err := s.repo.CreateAppointment(txCtx, appt); err != nil {
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt
		s.recordAudit(txCtx, AuditCreate, nil, appt)
		return nil
	})

	s.observe("schedule", err)
	if err != nil {
		return nil, err
	}

	s.log.Info("appointment scheduled",
		zap.String("appointment_id", created.ID.String()),
		zap.String("clinician_id", created.ClinicianID.String()),
		zap.Time("starts_at", created.StartsAt),
	)
	return created, nil
}

// Reschedule moves a scheduled appointment. When the new time collides with
// other bookings nothing is changed and a report listing every conflict is
// returned instead, so the caller can pick another slot.
func (s *Service) Reschedule(ctx context.Context, orgID, id uuid.UUID, req RescheduleRequest) (*Appointment, *ConflictReport, error) {
	startsAt := req.StartsAt.In(s.policy.Location)

	var (
		updated *Appointment
		report  *ConflictReport
	)

	err := s.withAppointmentLocked(ctx, "reschedule", orgID, id, nil, func(txCtx context.Context, a *Appointment) error {
		if a.Status != StatusScheduled {
			return fmt.Errorf("%w: cannot reschedule a %s appointment", ErrInvalidTransition, a.Status)
		}

		duration := a.DurationMinutes
		if req.DurationMinutes != nil {
			duration = *req.DurationMinutes
		}
		if err := s.policy.validateSlot(startsAt, duration); err != nil {
			return err
		}
		candidate := NewInterval(startsAt, duration)

		r := &ConflictReport{}
		clinicianConflicts, err := s.detector.FindClinicianConflicts(txCtx, orgID, a.ClinicianID, candidate, &a.ID)
		if err != nil {
			return fmt.Errorf("check clinician conflicts: %w", err)
		}
		r.add(ConflictClinician, clinicianConflicts)

		if a.RoomID != nil {
			roomConflicts, err := s.detector.FindRoomConflicts(txCtx, orgID, *a.RoomID, candidate, &a.ID)
			if err != nil {
				return fmt.Errorf("check room conflicts: %w", err)
			}
			r.add(ConflictRoom, roomConflicts)
		}

		if r.HasConflicts() {
			for _, c := range r.Conflicts {
				s.metrics.ObserveConflict(string(c.Type))
			}
			report = r
			return nil
		}

		before := a.Clone()
		a.StartsAt = startsAt
		a.DurationMinutes = duration
		a.Date = CalendarDay(startsAt)
		if err := s.repo.UpdateAppointment(txCtx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		updated = a
		s.recordAudit(txCtx, AuditUpdate, before, a)
		return nil
	})

	switch {
	case err != nil:
		s.observe("reschedule", err)
		return nil, nil, err
	case report != nil:
		s.metrics.ObserveOperation("reschedule", "conflict")
		return nil, report, nil
	}

	s.observe("reschedule", nil)
	return updated, nil, nil
}

// Cancel cancels a scheduled or in-progress appointment on behalf of staff.
func (s *Service) Cancel(ctx context.Context, orgID, id uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, "cancel", orgID, id, func(a *Appointment) error {
		return a.cancel(reason, s.now())
	})
}

// CancelByPatient applies the patient policy on top of Cancel: only the
// patient's own scheduled appointments, and only with at least
// CancellationNotice left before the start.
func (s *Service) CancelByPatient(ctx context.Context, orgID, id, patientID uuid.UUID, reason string) (*Appointment, error) {
	return s.transition(ctx, "patient_cancel", orgID, id, func(a *Appointment) error {
		if a.PatientID != patientID {
			return ErrAppointmentNotFound
		}
		if a.Status != StatusScheduled {
			return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
		}
		now := s.now()
		if a.StartsAt.Sub(now) < s.policy.CancellationNotice {
			return ErrCancellationWindowExpired
		}
		return a.cancel(reason, now)
	})
}

func (s *Service) Start(ctx context.Context, orgID, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "start", orgID, id, func(a *Appointment) error {
		return a.transition(StatusInProgress)
	})
}

func (s *Service) Complete(ctx context.Context, orgID, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "complete", orgID, id, func(a *Appointment) error {
		return a.transition(StatusCompleted)
	})
}

func (s *Service) MarkNoShow(ctx context.Context, orgID, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, "no_show", orgID, id, func(a *Appointment) error {
		return a.transition(StatusNoShow)
	})
}

// AssignRoom puts an appointment in an exam room. The appointment is
// resolved first, then an inactive room is rejected before any time
// conflict is considered.
func (s *Service) AssignRoom(ctx context.Context, orgID, id, roomID uuid.UUID) (*Appointment, error) {
	var updated *Appointment

	extra := []Resource{RoomResource(roomID)}
	err := s.withAppointmentLocked(ctx, "assign_room", orgID, id, extra, func(txCtx context.Context, a *Appointment) error {
		if a.Status.IsTerminal() {
			return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, a.Status)
		}
		if err := s.requireActiveRoom(txCtx, orgID, roomID); err != nil {
			return err
		}
		if a.RoomID != nil && *a.RoomID == roomID {
			updated = a
			return nil
		}

		busy, err := s.detector.HasRoomConflict(txCtx, orgID, roomID, a.Interval(), &a.ID)
		if err != nil {
			return fmt.Errorf("check room conflicts: %w", err)
		}
		if busy {
			s.metrics.ObserveConflict(string(ResourceRoom))
			return ErrRoomUnavailable
		}

		before := a.Clone()
		a.RoomID = &roomID
		if err := s.repo.UpdateAppointment(txCtx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		updated = a
		s.recordAudit(txCtx, AuditUpdate, before, a)
		return nil
	})

	s.observe("assign_room", err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, orgID, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetAppointment(ctx, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	s.localize(a)
	return a, nil
}

// History returns the audit trail of an appointment, oldest first.
func (s *Service) History(ctx context.Context, orgID, id uuid.UUID) ([]EventLog, error) {
	if _, err := s.repo.GetAppointment(ctx, orgID, id); err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	events, err := s.repo.ListEvents(ctx, orgID, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// SweepNoShows marks scheduled appointments that ended more than grace ago
// as no-shows. It is intended to be called by the worker periodically.
func (s *Service) SweepNoShows(ctx context.Context, grace time.Duration) (int, error) {
	const batchSize = 500

	candidates, err := s.repo.FindOverdueScheduled(ctx, s.now().Add(-grace), batchSize)
	if err != nil {
		return 0, fmt.Errorf("find overdue appointments: %w", err)
	}

	marked := 0
	for _, appt := range candidates {
		_, err := s.MarkNoShow(ctx, appt.OrganizationID, appt.ID)
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			s.log.Error("failed to mark appointment as no-show",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(err),
			)
			continue
		}
		marked++
	}

	return marked, nil
}

// transition applies fn to a row-locked appointment and persists it. Status
// changes never add occupancy, so no resource locks are needed here.
func (s *Service) transition(ctx context.Context, op string, orgID, id uuid.UUID, fn func(a *Appointment) error) (*Appointment, error) {
	var updated *Appointment

	err := s.repo.WithinTx(ctx, func(txCtx context.Context) error {
		a, err := s.repo.GetAppointment(txCtx, orgID, id)
		if err != nil {
			return err
		}
		s.localize(a)

		before := a.Clone()
		if err := fn(a); err != nil {
			return err
		}
		if err := s.repo.UpdateAppointment(txCtx, a); err != nil {
			return fmt.Errorf("update appointment: %w", err)
		}

		updated = a
		s.recordAudit(txCtx, AuditUpdate, before, a)
		return nil
	})

	s.observe(op, err)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// withAppointmentLocked locks the resources an existing appointment
// occupies (plus extra) and hands fn the row-locked appointment. If a
// concurrent change moved the appointment to other resources while we
// waited, the locks are retaken.
func (s *Service) withAppointmentLocked(ctx context.Context, op string, orgID, id uuid.UUID, extra []Resource, fn func(ctx context.Context, a *Appointment) error) error {
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		current, err := s.repo.GetAppointment(ctx, orgID, id)
		if err != nil {
			return err
		}
		resources := append(current.Resources(), extra...)

		err = s.reserve(ctx, op, resources, func(txCtx context.Context) error {
			a, err := s.repo.GetAppointment(txCtx, orgID, id)
			if err != nil {
				return err
			}
			if !sameResources(a, current) {
				return errResourcesChanged
			}
			s.localize(a)
			return fn(txCtx, a)
		})
		if errors.Is(err, errResourcesChanged) {
			continue
		}
		return err
	}
	return ErrResourceBusy
}

// reserve is the reserve-or-fail primitive: distributed locks on every
// resource, then one transaction that also takes the database locks.
func (s *Service) reserve(ctx context.Context, op string, resources []Resource, fn func(ctx context.Context) error) error {
	keys := make([]string, len(resources))
	for i, r := range resources {
		keys[i] = r.LockKey()
	}

	waitStart := time.Now()
	err := s.locker.WithResourceLock(ctx, keys, func(lockCtx context.Context) error {
		s.metrics.ObserveLockWait(op, time.Since(waitStart))

		return s.repo.WithinTx(lockCtx, func(txCtx context.Context) error {
			if err := s.repo.LockResources(txCtx, resources...); err != nil {
				return fmt.Errorf("lock resources: %w", err)
			}
			return fn(txCtx)
		})
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return fmt.Errorf("%w: %v", ErrResourceBusy, err)
	}
	return err
}

func (s *Service) requireActiveRoom(ctx context.Context, orgID, roomID uuid.UUID) error {
	room, err := s.repo.GetExamRoom(ctx, orgID, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return err
		}
		return fmt.Errorf("load exam room: %w", err)
	}
	if !room.Active {
		return ErrRoomInactive
	}
	return nil
}

// recordAudit writes exactly one audit record. A failure is logged and
// counted but never undoes the mutation it describes.
func (s *Service) recordAudit(ctx context.Context, action AuditAction, before, after *Appointment) {
	rec := AuditRecord{
		Action:         action,
		ResourceType:   "appointment",
		ResourceID:     after.ID,
		OrganizationID: after.OrganizationID,
		Before:         before,
		After:          after.Clone(),
		OccurredAt:     s.now(),
	}

	if err := s.audit.Record(ctx, rec); err != nil {
		s.metrics.ObserveAuditFailure()
		s.log.Error("failed to record audit event",
			zap.String("action", string(action)),
			zap.String("appointment_id", after.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) observe(op string, err error) {
	s.metrics.ObserveOperation(op, outcomeOf(err))
	if err != nil && outcomeOf(err) == "error" {
		s.log.Error("scheduling operation failed", zap.String("operation", op), zap.Error(err))
	}
}

func (s *Service) localize(a *Appointment) {
	a.StartsAt = a.StartsAt.In(s.policy.Location)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrClinicianUnavailable),
		errors.Is(err, ErrRoomUnavailable),
		errors.Is(err, ErrResourceBusy):
		return "conflict"
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrInvalidCategory),
		errors.Is(err, ErrSpansMidnight),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrCancellationWindowExpired),
		errors.Is(err, ErrRoomInactive),
		errors.Is(err, ErrRoomNotFound),
		errors.Is(err, ErrAppointmentNotFound),
		errors.Is(err, ErrPatientNotFound):
		return "rejected"
	}
	return "error"
}

func sameResources(a, b *Appointment) bool {
	if a.ClinicianID != b.ClinicianID {
		return false
	}
	if (a.RoomID == nil) != (b.RoomID == nil) {
		return false
	}
	return a.RoomID == nil || *a.RoomID == *b.RoomID
}
