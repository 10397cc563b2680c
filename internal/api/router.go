package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
)

type RouterConfig struct {
	Service      SchedulingService
	Availability AvailabilityService
	Location     *time.Location // clinic time zone for dates and times of day
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	Checks       []Check
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	h := &handlers{
		svc:   cfg.Service,
		avail: cfg.Availability,
		loc:   cfg.Location,
		log:   cfg.Logger,
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(MetricsMiddleware(cfg.Metrics))

	health := NewHealthHandler(cfg.Env, cfg.Version, cfg.Checks...)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(OrganizationMiddleware)

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.schedule)
			r.Get("/{id}", h.get)
			r.Get("/{id}/history", h.history)
			r.Post("/{id}/reschedule", h.reschedule)
			r.Post("/{id}/cancel", h.cancel)
			r.Post("/{id}/patient-cancel", h.patientCancel)
			r.Post("/{id}/start", h.statusChange(cfg.Service.Start))
			r.Post("/{id}/complete", h.statusChange(cfg.Service.Complete))
			r.Post("/{id}/no-show", h.statusChange(cfg.Service.MarkNoShow))
			r.Put("/{id}/room", h.assignRoom)
		})

		r.Get("/rooms/availability", h.roomAvailability)
		r.Get("/rooms/{id}/free-slots", h.freeSlots(appointment.ResourceRoom))
		r.Get("/clinicians/availability", h.clinicianAvailability)
		r.Get("/clinicians/{id}/free-slots", h.freeSlots(appointment.ResourceClinician))
	})

	return r
}
