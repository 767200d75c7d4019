package api

import (
	"context"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

// Service is the scheduling core as the HTTP layer sees it.
type Service interface {
	Book(ctx context.Context, actor identity.Actor, req appointment.BookingRequest) (*appointment.Appointment, error)
	Reschedule(ctx context.Context, actor identity.Actor, id uuid.UUID, req appointment.RescheduleRequest) (*appointment.Appointment, error)
	Availability(ctx context.Context, practitionerID uuid.UUID, date civil.Date, q appointment.AvailabilityQuery) ([]appointment.Window, error)
	Transition(ctx context.Context, id uuid.UUID, actor identity.Actor, action appointment.Action, payload appointment.TransitionPayload) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, actor identity.Actor, id uuid.UUID) (*appointment.Appointment, error)
	ListAppointments(ctx context.Context, actor identity.Actor, f appointment.ListFilter) ([]appointment.Appointment, error)
	StartSession(ctx context.Context, appointmentID uuid.UUID, actor identity.Actor, kind appointment.ConsultationKind) (*appointment.Consultation, error)
	EndSession(ctx context.Context, consultationID uuid.UUID, actor identity.Actor, req appointment.EndSessionRequest) (*appointment.Consultation, error)
	GetConsultation(ctx context.Context, actor identity.Actor, id uuid.UUID) (*appointment.Consultation, error)
}

type RouterConfig struct {
	Service   Service
	Logger    *logging.Logger
	JWTSecret string
	Postgres  Pinger
	Redis     Pinger
	// Metrics serves /metrics when set, typically promhttp.HandlerFor.
	Metrics http.Handler
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	svc := cfg.Service

	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWTSecret))

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", bookAppointmentHandler(svc, logger))
			r.Get("/", listAppointmentsHandler(svc, logger))
			r.Get("/{id}", getAppointmentHandler(svc, logger))
			r.Post("/{id}/confirm", transitionHandler(svc, logger, appointment.ActionConfirm))
			r.Post("/{id}/cancel", transitionHandler(svc, logger, appointment.ActionCancel))
			r.Post("/{id}/complete", transitionHandler(svc, logger, appointment.ActionComplete))
			r.Post("/{id}/no-show", transitionHandler(svc, logger, appointment.ActionNoShow))
			r.Post("/{id}/reschedule", rescheduleHandler(svc, logger))
		})

		r.Get("/practitioners/{id}/availability", availabilityHandler(svc, logger))

		r.Route("/consultations", func(r chi.Router) {
			r.Post("/start", startSessionHandler(svc, logger))
			r.Get("/{id}", getConsultationHandler(svc, logger))
			r.Post("/{id}/end", endSessionHandler(svc, logger))
		})
	})

	return r
}
