package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/telehealth-scheduling/internal/clock"
	"github.com/hackgods/telehealth-scheduling/internal/events"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/lock"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
)

var tracer = otel.Tracer("telehealth.internal.appointment")

// Publisher hands committed events to the notification side. It must not
// block the caller; events.Dispatcher is the production implementation.
type Publisher interface {
	Publish(ctx context.Context, evs ...events.DomainEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ...events.DomainEvent) {}

// SessionTransport allocates the opaque media handle for a consultation.
type SessionTransport interface {
	OpenSession(ctx context.Context, appt Appointment, kind ConsultationKind) (string, error)
}

type tokenTransport struct{}

func (tokenTransport) OpenSession(context.Context, Appointment, ConsultationKind) (string, error) {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}

// NotesGenerator produces clinical notes after a session ends. It runs in
// the background and its failures never affect the session.
type NotesGenerator interface {
	GenerateNotes(ctx context.Context, c Consultation) (string, error)
}

type Options struct {
	Repo      Repository
	Locker    lock.Locker
	Clock     clock.Clock
	Publisher Publisher
	Logger    *logging.Logger
	Metrics   *metrics.SchedulingMetrics
	Policy    SchedulingPolicy
	// Location is the scheduling time zone dates and times are read in.
	Location     *time.Location
	Transport    SessionTransport
	Notes        NotesGenerator
	NotesTimeout time.Duration
}

// Service is the scheduling core: booking, the appointment state machine
// and consultation sessions. Every mutation runs under a keyed lock inside
// a single repository transaction, and its events are published only after
// commit.
type Service struct {
	repo         Repository
	locker       lock.Locker
	clock        clock.Clock
	publisher    Publisher
	logger       *logging.Logger
	metrics      *metrics.SchedulingMetrics
	policy       SchedulingPolicy
	loc          *time.Location
	transport    SessionTransport
	notes        NotesGenerator
	notesTimeout time.Duration

	bg sync.WaitGroup
}

func NewService(opts Options) (*Service, error) {
	if opts.Repo == nil {
		return nil, errors.New("appointment: repository required")
	}
	s := &Service{
		repo:         opts.Repo,
		locker:       opts.Locker,
		clock:        opts.Clock,
		publisher:    opts.Publisher,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		policy:       opts.Policy,
		loc:          opts.Location,
		transport:    opts.Transport,
		notes:        opts.Notes,
		notesTimeout: opts.NotesTimeout,
	}
	if s.locker == nil {
		s.locker = lock.NewLocal(5 * time.Second)
	}
	if s.clock == nil {
		s.clock = clock.System{}
	}
	if s.publisher == nil {
		s.publisher = nopPublisher{}
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if s.policy == (SchedulingPolicy{}) {
		s.policy = DefaultPolicy()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.transport == nil {
		s.transport = tokenTransport{}
	}
	if s.notesTimeout <= 0 {
		s.notesTimeout = 30 * time.Second
	}
	return s, nil
}

// Drain waits for background notes generation to finish or ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func practitionerKey(id uuid.UUID, date civil.Date) string {
	return fmt.Sprintf("practitioner:%s:%s", id, date)
}

func appointmentKey(id uuid.UUID) string {
	return "appointment:" + id.String()
}

func (s *Service) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, key, fn)
	if errors.Is(err, lock.ErrNotAcquired) {
		return fmt.Errorf("%w: %s", ErrLockBusy, key)
	}
	return err
}

// recordEvent writes the audit row for ev inside the caller's transaction.
func (s *Service) recordEvent(ctx context.Context, repo Repository, ev events.DomainEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	apptID := ev.AppointmentID
	row := EventLog{
		EventType:      string(ev.Type),
		AppointmentID:  &apptID,
		ConsultationID: ev.ConsultationID,
		Payload:        data,
		CreatedAt:      ev.OccurredAt,
	}
	if err := repo.InsertEvent(ctx, row); err != nil {
		return fmt.Errorf("insert event %s: %w", ev.Type, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, evs ...events.DomainEvent) {
	if len(evs) == 0 {
		return
	}
	s.publisher.Publish(context.WithoutCancel(ctx), evs...)
}

func outcome(err error) string {
	return strings.ToLower(CodeOf(err))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, CodeOf(err))
	}
	span.End()
}

func (s *Service) requireApproved(ctx context.Context, practitionerID uuid.UUID) error {
	p, err := s.repo.GetPractitioner(ctx, practitionerID)
	if err != nil {
		if errors.Is(err, ErrPractitionerNotFound) {
			return err
		}
		return fmt.Errorf("load practitioner: %w", err)
	}
	if p.ApprovalStatus != ApprovalApproved {
		return fmt.Errorf("%w: status %s", ErrPractitionerNotApproved, p.ApprovalStatus)
	}
	return nil
}

// GetAppointment returns an appointment visible to actor.
func (s *Service) GetAppointment(ctx context.Context, actor identity.Actor, id uuid.UUID) (*Appointment, error) {
	scope, err := authorizeRole(actor, OpView)
	if err != nil {
		return nil, err
	}
	a, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeRecord(actor, scope, a.PatientID, a.PractitionerID); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAppointments pins own-scoped actors to their own records. Asking for
// someone else's is forbidden rather than silently narrowed.
func (s *Service) ListAppointments(ctx context.Context, actor identity.Actor, f ListFilter) ([]Appointment, error) {
	scope, err := authorizeRole(actor, OpView)
	if err != nil {
		return nil, err
	}
	if scope == ScopeOwn {
		self := actor.SubjectID
		switch actor.Role {
		case identity.RolePatient:
			if f.PatientID != nil && *f.PatientID != self {
				return nil, ErrForbidden
			}
			f.PatientID = &self
		case identity.RolePractitioner:
			if f.PractitionerID != nil && *f.PractitionerID != self {
				return nil, ErrForbidden
			}
			f.PractitionerID = &self
		}
	}
	out, err := s.repo.ListAppointments(ctx, f.normalized())
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return out, nil
}

func (s *Service) GetConsultation(ctx context.Context, actor identity.Actor, id uuid.UUID) (*Consultation, error) {
	scope, err := authorizeRole(actor, OpView)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.GetConsultation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeRecord(actor, scope, c.PatientID, c.PractitionerID); err != nil {
		return nil, err
	}
	return c, nil
}
