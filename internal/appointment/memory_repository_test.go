package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRepositoryRollsBackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	a := sampleAppointment()
	boom := errors.New("boom")

	err := repo.WithinTx(context.Background(), func(ctx context.Context, tx Repository) error {
		require.NoError(t, tx.InsertAppointment(ctx, &a))
		_, err := tx.GetAppointment(ctx, a.ID)
		require.NoError(t, err, "tx sees its own writes")
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = repo.GetAppointment(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestMemoryRepositoryCancelledContextDoesNotCommit(t *testing.T) {
	repo := NewMemoryRepository()
	a := sampleAppointment()
	ctx, cancel := context.WithCancel(context.Background())

	err := repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
		require.NoError(t, tx.InsertAppointment(ctx, &a))
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = repo.GetAppointment(context.Background(), a.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestMemoryRepositoryEnforcesConstraints(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	a := sampleAppointment()
	require.NoError(t, repo.InsertAppointment(ctx, &a))

	clash := sampleAppointment()
	clash.PractitionerID = a.PractitionerID
	clash.StartTime = MustTime("14:15")
	assert.ErrorIs(t, repo.InsertAppointment(ctx, &clash), ErrSlotUnavailable)

	updated := a
	updated.Status = StatusConfirmed
	require.NoError(t, repo.UpdateAppointment(ctx, &updated, StatusScheduled))
	assert.ErrorIs(t, repo.UpdateAppointment(ctx, &updated, StatusScheduled), ErrConcurrentUpdate)

	c1 := &Consultation{ID: uuid.New(), AppointmentID: a.ID, SessionHandle: "sess_1", Status: SessionInProgress}
	c2 := &Consultation{ID: uuid.New(), AppointmentID: a.ID, SessionHandle: "sess_2", Status: SessionInProgress}
	require.NoError(t, repo.InsertConsultation(ctx, c1))
	assert.ErrorIs(t, repo.InsertConsultation(ctx, c2), ErrSessionInProgress)
}

func TestMemoryRepositoryListPaging(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	practitioner := uuid.New()
	for _, start := range []string{"11:00", "09:00", "10:00"} {
		a := sampleAppointment()
		a.PractitionerID = practitioner
		a.StartTime = MustTime(start)
		a.EndTime = a.StartTime + 30
		require.NoError(t, repo.InsertAppointment(ctx, &a))
	}

	page, err := repo.ListAppointments(ctx, ListFilter{PractitionerID: &practitioner, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, MustTime("09:00"), page[0].StartTime)
	assert.Equal(t, MustTime("10:00"), page[1].StartTime)

	rest, err := repo.ListAppointments(ctx, ListFilter{PractitionerID: &practitioner, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, MustTime("11:00"), rest[0].StartTime)

	empty, err := repo.ListAppointments(ctx, ListFilter{PractitionerID: &practitioner, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryRepositoryPutPractitionerSurvivesConcurrentTx(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	txDone := make(chan error, 1)
	go func() {
		txDone <- repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
			close(started)
			<-release
			return tx.InsertEvent(ctx, EventLog{EventType: "appointment.booked", Payload: []byte(`{}`)})
		})
	}()
	<-started

	p := Practitioner{ID: uuid.New(), Name: "Dr. Ortiz", ApprovalStatus: ApprovalApproved}
	putDone := make(chan struct{})
	go func() {
		repo.PutPractitioner(p)
		close(putDone)
	}()

	// Give an unserialized put the chance to land before the tx commits.
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, <-txDone)
	<-putDone

	got, err := repo.GetPractitioner(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Len(t, repo.Events(), 1)
}
