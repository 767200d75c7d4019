package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/identity"
)

func TestSweepNoShows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	missed := h.book(t, jan10, "09:00", "09:30")
	confirmedMissed := h.book(t, jan10, "10:00", "10:30")
	_, err := h.svc.Confirm(ctx, confirmedMissed.ID, h.doctor)
	require.NoError(t, err)
	withinGrace := h.book(t, jan10, "11:00", "11:30")
	live := h.book(t, jan10, "11:30", "12:00")
	future := h.book(t, jan11, "09:00", "09:30")

	h.clock.Set(time.Date(2024, 1, 10, 11, 30, 0, 0, time.UTC))
	_, err = h.svc.StartSession(ctx, live.ID, h.doctor, KindVideo)
	require.NoError(t, err)

	h.clock.Set(time.Date(2024, 1, 10, 11, 40, 0, 0, time.UTC))
	n, err := h.svc.SweepNoShows(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, StatusNoShow, h.stored(t, missed.ID).Status)
	assert.Equal(t, StatusNoShow, h.stored(t, confirmedMissed.ID).Status)
	assert.Equal(t, StatusScheduled, h.stored(t, withinGrace.ID).Status)
	assert.Equal(t, StatusInProgress, h.stored(t, live.ID).Status)
	assert.Equal(t, StatusScheduled, h.stored(t, future.ID).Status)

	// idempotent
	n, err = h.svc.SweepNoShows(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Set(time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC))
	n, err = h.svc.SweepNoShows(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepRunsAsSystemAdmin(t *testing.T) {
	h := newHarness(t)
	a := h.book(t, jan10, "09:00", "09:30")
	h.clock.Set(time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))

	n, err := h.svc.SweepNoShows(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ev := h.pub.Last()
	assert.Equal(t, a.ID, ev.AppointmentID)
	assert.Equal(t, noShowSweepReason, ev.Data["reason"])
	assert.True(t, identity.System.Valid())
}
