package app

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

func memoryConfig() config.Config {
	return config.Config{
		Env:         "test",
		Store:       "memory",
		MemorySeed:  5,
		LockBackend: "local",
		LockWait:    time.Second,
		Scheduling: config.SchedulingConfig{
			Location:       time.UTC,
			MinLeadMinutes: 60,
			MaxSlotMinutes: 120,
			NotesTimeout:   time.Second,
		},
		Dispatch: config.DispatchConfig{Workers: 1, QueueSize: 16, Timeout: time.Second, MaxAttempts: 1},
		Sinks:    config.SinkConfig{Enabled: []string{"log"}},
	}
}

func TestBuildMemoryStack(t *testing.T) {
	a, err := Build(context.Background(), memoryConfig(), logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, a.Service)
	require.NotNil(t, a.Memory)
	assert.Nil(t, a.Postgres)
	assert.Nil(t, a.Redis)

	require.NoError(t, a.Close(context.Background()))
}

func TestBuildBooksThroughDispatcher(t *testing.T) {
	cfg := memoryConfig()
	cfg.MemorySeed = 0
	a, err := Build(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	p := DemoPractitioners(1)[0]
	a.Memory.PutPractitioner(p)

	patient := identity.Actor{SubjectID: uuid.New(), Role: identity.RolePatient}
	tomorrow := civil.DateOf(time.Now().UTC().AddDate(0, 0, 2))
	appt, err := a.Service.Book(context.Background(), patient, appointment.BookingRequest{
		PractitionerID: p.ID,
		Date:           tomorrow,
		StartTime:      appointment.MustTime("10:00"),
		EndTime:        appointment.MustTime("10:30"),
		Kind:           appointment.KindVideo,
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusScheduled, appt.Status)

	require.NoError(t, a.Close(context.Background()))
}

func TestBuildRedisLockAndStream(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := memoryConfig()
	cfg.LockBackend = "redis"
	cfg.LockTTL = 5 * time.Second
	cfg.RedisAddr = mr.Addr()
	cfg.Sinks = config.SinkConfig{Enabled: []string{"log", "redis"}, EventsStream: "scheduling:events"}

	a, err := Build(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	require.NotNil(t, a.Redis)

	require.NoError(t, a.Close(context.Background()))
	assert.Nil(t, a.Redis)
}

func TestDemoPractitioners(t *testing.T) {
	ps := DemoPractitioners(10)
	require.Len(t, ps, 10)

	pending := 0
	for _, p := range ps {
		assert.NotEqual(t, uuid.Nil, p.ID)
		assert.NotEmpty(t, p.Name)
		if p.ApprovalStatus == appointment.ApprovalPending {
			pending++
		}
	}
	assert.Equal(t, 2, pending)
}
