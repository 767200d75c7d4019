package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/events"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

func TestConcurrentStartSessionSingleWinner(t *testing.T) {
	h := newHarness(t)
	a := h.book(t, jan10, "14:00", "14:30")
	h.clock.Set(time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC))

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.StartSession(context.Background(), a.ID, h.doctor, KindVideo)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrSessionInProgress)
	}
	assert.Equal(t, 1, wins)

	_, err := h.repo.GetActiveConsultation(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, h.stored(t, a.ID).Status)
}

func TestStartSessionRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.book(t, jan10, "14:00", "14:30")

	_, err := h.svc.StartSession(ctx, a.ID, h.patient, KindVideo)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.StartSession(ctx, a.ID, h.otherDoctor, KindVideo)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.StartSession(ctx, a.ID, h.doctor, "smoke-signals")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.StartSession(ctx, uuid.New(), h.doctor, KindVideo)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = h.svc.Cancel(ctx, a.ID, h.patient, nil)
	require.NoError(t, err)
	_, err = h.svc.StartSession(ctx, a.ID, h.doctor, KindVideo)
	assert.ErrorIs(t, err, ErrTerminalState)
}

type failingTransport struct{}

func (failingTransport) OpenSession(context.Context, Appointment, ConsultationKind) (string, error) {
	return "", errors.New("media relay unreachable")
}

func TestStartSessionTransportFailureChangesNothing(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Transport = failingTransport{} })
	a := h.book(t, jan10, "14:00", "14:30")

	_, err := h.svc.StartSession(context.Background(), a.ID, h.doctor, KindVideo)
	var cerr *events.CollaboratorError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "session_transport", cerr.Collaborator)
	assert.Equal(t, StatusScheduled, h.stored(t, a.ID).Status)
}

func TestEndSessionRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.book(t, jan10, "14:00", "14:30")
	h.clock.Set(time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC))
	c, err := h.svc.StartSession(ctx, a.ID, h.doctor, KindChat)
	require.NoError(t, err)

	_, err = h.svc.EndSession(ctx, c.ID, h.patient, EndSessionRequest{})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.EndSession(ctx, c.ID, h.otherDoctor, EndSessionRequest{})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.svc.EndSession(ctx, uuid.New(), h.doctor, EndSessionRequest{})
	assert.ErrorIs(t, err, ErrConsultationNotFound)

	h.clock.Advance(29*time.Second + 10*time.Minute)
	followDate := jan11
	ended, err := h.svc.EndSession(ctx, c.ID, h.doctor, EndSessionRequest{FollowUp: &FollowUp{Required: true, Date: &followDate}})
	require.NoError(t, err)
	assert.Equal(t, 10, *ended.DurationMinutes)

	final := h.stored(t, a.ID)
	assert.True(t, final.FollowUp.Required)
	assert.Equal(t, jan11, *final.FollowUp.Date)
	assert.Nil(t, final.PractitionerNotes)

	_, err = h.svc.EndSession(ctx, c.ID, h.doctor, EndSessionRequest{})
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestGetConsultationVisibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.book(t, jan10, "14:00", "14:30")
	h.clock.Set(time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC))
	c, err := h.svc.StartSession(ctx, a.ID, h.doctor, KindVideo)
	require.NoError(t, err)

	tests := []struct {
		name  string
		actor identity.Actor
		want  error
	}{
		{"patient", h.patient, nil},
		{"practitioner", h.doctor, nil},
		{"admin", h.admin, nil},
		{"other patient", h.otherPatient, ErrForbidden},
		{"other practitioner", h.otherDoctor, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.svc.GetConsultation(ctx, tt.actor, c.ID)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.ID, got.ID)
		})
	}
}

func TestSessionMinutesRounds(t *testing.T) {
	start := time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)
	assert.Equal(t, 22, sessionMinutes(start, start.Add(22*time.Minute)))
	assert.Equal(t, 23, sessionMinutes(start, start.Add(22*time.Minute+30*time.Second)))
	assert.Equal(t, 0, sessionMinutes(start, start.Add(-time.Minute)))
}
