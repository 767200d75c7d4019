package appointment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/clock"
	"github.com/hackgods/telehealth-scheduling/internal/events"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/lock"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
)

type recordingPublisher struct {
	mu  sync.Mutex
	evs []events.DomainEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evs ...events.DomainEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evs = append(p.evs, evs...)
}

func (p *recordingPublisher) Types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.evs))
	for i, ev := range p.evs {
		out[i] = ev.Type
	}
	return out
}

func (p *recordingPublisher) Last() events.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evs[len(p.evs)-1]
}

type notesFunc func(ctx context.Context, c Consultation) (string, error)

func (f notesFunc) GenerateNotes(ctx context.Context, c Consultation) (string, error) { return f(ctx, c) }

type harness struct {
	svc   *Service
	repo  *MemoryRepository
	clock *clock.Manual
	pub   *recordingPublisher

	practitioner        uuid.UUID
	pendingPractitioner uuid.UUID

	patient      identity.Actor
	otherPatient identity.Actor
	doctor       identity.Actor
	otherDoctor  identity.Actor
	admin        identity.Actor
}

// Tuesday 2024-01-09 10:00 UTC.
var harnessStart = time.Date(2024, 1, 9, 10, 0, 0, 0, time.UTC)

var (
	jan10 = civil.Date{Year: 2024, Month: time.January, Day: 10}
	jan11 = civil.Date{Year: 2024, Month: time.January, Day: 11}
)

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		repo:                NewMemoryRepository(),
		clock:               clock.NewManual(harnessStart),
		pub:                 &recordingPublisher{},
		practitioner:        uuid.New(),
		pendingPractitioner: uuid.New(),
		patient:             identity.Actor{SubjectID: uuid.New(), Role: identity.RolePatient},
		otherPatient:        identity.Actor{SubjectID: uuid.New(), Role: identity.RolePatient},
		otherDoctor:         identity.Actor{SubjectID: uuid.New(), Role: identity.RolePractitioner},
		admin:               identity.Actor{SubjectID: uuid.New(), Role: identity.RoleAdmin},
	}
	h.doctor = identity.Actor{SubjectID: h.practitioner, Role: identity.RolePractitioner}
	h.repo.PutPractitioner(Practitioner{ID: h.practitioner, Name: "Dr. Okafor", ApprovalStatus: ApprovalApproved})
	h.repo.PutPractitioner(Practitioner{ID: h.pendingPractitioner, Name: "Dr. Lind", ApprovalStatus: ApprovalPending})

	o := Options{
		Repo:      h.repo,
		Locker:    lock.NewLocal(5 * time.Second),
		Clock:     h.clock,
		Publisher: h.pub,
		Logger:    logging.Discard(),
		Policy:    DefaultPolicy(),
		Location:  time.UTC,
	}
	for _, fn := range opts {
		fn(&o)
	}
	svc, err := NewService(o)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) request(date civil.Date, start, end string) BookingRequest {
	return BookingRequest{
		PractitionerID: h.practitioner,
		Date:           date,
		StartTime:      MustTime(start),
		EndTime:        MustTime(end),
		Kind:           KindVideo,
	}
}

func (h *harness) book(t *testing.T, date civil.Date, start, end string) *Appointment {
	t.Helper()
	a, err := h.svc.Book(context.Background(), h.patient, h.request(date, start, end))
	require.NoError(t, err)
	return a
}

func (h *harness) stored(t *testing.T, id uuid.UUID) *Appointment {
	t.Helper()
	a, err := h.repo.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestNewServiceRequiresRepository(t *testing.T) {
	_, err := NewService(Options{})
	assert.Error(t, err)
}

// Book, confirm, start at the slot start, end 22 minutes later.
func TestEndToEndVideoConsultation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	appt, err := h.svc.Book(ctx, h.patient, h.request(jan10, "14:00", "14:30"))
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, h.patient.SubjectID, appt.PatientID)

	confirmed, err := h.svc.Confirm(ctx, appt.ID, h.doctor)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	h.clock.Set(time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC))
	c, err := h.svc.StartSession(ctx, appt.ID, h.doctor, KindVideo)
	require.NoError(t, err)
	assert.Equal(t, SessionInProgress, c.Status)
	assert.NotEmpty(t, c.SessionHandle)
	assert.Equal(t, StatusInProgress, h.stored(t, appt.ID).Status)

	h.clock.Set(time.Date(2024, 1, 10, 14, 22, 0, 0, time.UTC))
	notes := "Patient doing well"
	ended, err := h.svc.EndSession(ctx, c.ID, h.doctor, EndSessionRequest{SessionNotes: &notes})
	require.NoError(t, err)
	require.NotNil(t, ended.DurationMinutes)
	assert.Equal(t, 22, *ended.DurationMinutes)
	assert.Equal(t, SessionCompleted, ended.Status)

	final := h.stored(t, appt.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	require.NotNil(t, final.PractitionerNotes)
	assert.Equal(t, notes, *final.PractitionerNotes)
	require.NotNil(t, final.CompletedAt)

	assert.Equal(t, []events.Type{
		events.AppointmentBooked,
		events.AppointmentConfirmed,
		events.SessionStarted,
		events.SessionEnded,
		events.AppointmentCompleted,
	}, h.pub.Types())
	assert.Equal(t, 1, h.pub.Last().Data["practitionerCounterDelta"])

	// one audit row per published event
	assert.Len(t, h.repo.Events(), 5)

	// a completed appointment no longer blocks its slot
	h.clock.Set(harnessStart)
	_, err = h.svc.Book(ctx, h.otherPatient, h.request(jan10, "14:00", "14:30"))
	assert.NoError(t, err)
}

// The cascade must commit in full even when every collaborator fails.
func TestCascadeSurvivesFailingCollaborators(t *testing.T) {
	failingSink := events.SinkFunc(func(context.Context, events.DomainEvent) error {
		return errors.New("smtp down")
	})
	reg := prometheus.NewRegistry()
	m := metrics.NewSchedulingMetrics(reg)
	dispatcher := events.NewDispatcher(failingSink, events.DispatcherConfig{
		Workers:     1,
		QueueSize:   16,
		Timeout:     50 * time.Millisecond,
		MaxAttempts: 2,
	}, logging.Discard(), m)

	var notesCalls atomic.Int32
	h := newHarness(t, func(o *Options) {
		o.Publisher = dispatcher
		o.Metrics = m
		o.Notes = notesFunc(func(context.Context, Consultation) (string, error) {
			notesCalls.Add(1)
			return "", errors.New("model unavailable")
		})
		o.NotesTimeout = time.Second
	})
	ctx := context.Background()

	appt := h.book(t, jan10, "14:00", "14:30")
	h.clock.Set(time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC))
	c, err := h.svc.StartSession(ctx, appt.ID, h.doctor, "")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, c.Kind)

	h.clock.Advance(30 * time.Minute)
	ended, err := h.svc.EndSession(ctx, c.ID, h.doctor, EndSessionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 30, *ended.DurationMinutes)

	require.NoError(t, h.svc.Drain(ctx))
	require.NoError(t, dispatcher.Close(ctx))

	assert.Equal(t, int32(1), notesCalls.Load())
	assert.Equal(t, StatusCompleted, h.stored(t, appt.ID).Status)
	stored, err := h.repo.GetConsultation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, stored.Status)
	assert.Nil(t, stored.GeneratedNotes)

	count, err := testutil.GatherAndCount(reg, "telehealth_events_dispatch_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestGeneratedNotesAttachedAfterEnd(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Notes = notesFunc(func(_ context.Context, c Consultation) (string, error) {
			return "Summary for " + c.SessionHandle, nil
		})
	})
	ctx := context.Background()

	appt := h.book(t, jan10, "14:00", "14:30")
	h.clock.Set(time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC))
	c, err := h.svc.StartSession(ctx, appt.ID, h.doctor, KindVideo)
	require.NoError(t, err)
	h.clock.Advance(15 * time.Minute)
	_, err = h.svc.EndSession(ctx, c.ID, h.doctor, EndSessionRequest{})
	require.NoError(t, err)
	require.NoError(t, h.svc.Drain(ctx))

	stored, err := h.repo.GetConsultation(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.GeneratedNotes)
	assert.Equal(t, "Summary for "+c.SessionHandle, *stored.GeneratedNotes)
	assert.Equal(t, events.ConsultationNotesAttached, h.pub.Last().Type)
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(context.Context) error) error {
	return lock.ErrNotAcquired
}

func TestLockBusyIsRetryableConflict(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Locker = busyLocker{} })

	_, err := h.svc.Book(context.Background(), h.patient, h.request(jan10, "14:00", "14:30"))
	require.ErrorIs(t, err, ErrLockBusy)
	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, "LOCK_BUSY", CodeOf(err))
	assert.Empty(t, h.pub.Types())
}

func TestGetAndListRespectOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mine := h.book(t, jan10, "09:00", "09:30")
	_, err := h.svc.Book(ctx, h.otherPatient, h.request(jan10, "10:00", "10:30"))
	require.NoError(t, err)

	got, err := h.svc.GetAppointment(ctx, h.patient, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, mine.ID, got.ID)

	_, err = h.svc.GetAppointment(ctx, h.otherPatient, mine.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	list, err := h.svc.ListAppointments(ctx, h.patient, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, mine.ID, list[0].ID)

	_, err = h.svc.ListAppointments(ctx, h.patient, ListFilter{PatientID: &h.otherPatient.SubjectID})
	assert.ErrorIs(t, err, ErrForbidden)

	all, err := h.svc.ListAppointments(ctx, h.doctor, ListFilter{Date: &jan10})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := h.svc.ListAppointments(ctx, h.otherDoctor, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)

	adminView, err := h.svc.ListAppointments(ctx, h.admin, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, adminView, 1)
}
