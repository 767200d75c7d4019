package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
)

type recordingSink struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (r *recordingSink) Deliver(_ context.Context, ev DomainEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func sampleEvent(t Type) DomainEvent {
	return New(t, time.Now(), uuid.New(), uuid.New(), uuid.New(), nil)
}

func TestDispatcherDeliversAll(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, DispatcherConfig{Workers: 2}, logging.Discard(), nil)

	d.Publish(context.Background(), sampleEvent(AppointmentBooked), sampleEvent(AppointmentConfirmed))
	require.NoError(t, d.Close(context.Background()))

	assert.ElementsMatch(t, []Type{AppointmentBooked, AppointmentConfirmed}, sink.Types())
}

func TestDispatcherRetriesThenGivesUp(t *testing.T) {
	var calls int32
	sink := SinkFunc(func(ctx context.Context, ev DomainEvent) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("smtp down")
	})
	reg := prometheus.NewRegistry()
	m := metrics.NewSchedulingMetrics(reg)
	d := NewDispatcher(sink, DispatcherConfig{Workers: 1, MaxAttempts: 3, Backoff: time.Millisecond}, logging.Discard(), m)

	d.Publish(context.Background(), sampleEvent(AppointmentCancelled))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	count, err := testutil.GatherAndCount(reg, "telehealth_events_dispatch_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDispatcherRecoversOnRetry(t *testing.T) {
	var calls int32
	sink := SinkFunc(func(ctx context.Context, ev DomainEvent) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	d := NewDispatcher(sink, DispatcherConfig{Workers: 1, MaxAttempts: 3}, logging.Discard(), nil)

	d.Publish(context.Background(), sampleEvent(SessionEnded))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDispatcherPublishNeverBlocks(t *testing.T) {
	block := make(chan struct{})
	sink := SinkFunc(func(ctx context.Context, ev DomainEvent) error {
		<-block
		return nil
	})
	d := NewDispatcher(sink, DispatcherConfig{Workers: 1, QueueSize: 1, MaxAttempts: 1}, logging.Discard(), nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(context.Background(), sampleEvent(AppointmentBooked))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	close(block)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherClosedDropsEvents(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, DispatcherConfig{}, logging.Discard(), nil)
	require.NoError(t, d.Close(context.Background()))
	assert.ErrorIs(t, d.Close(context.Background()), ErrDispatcherClosed)

	d.Publish(context.Background(), sampleEvent(AppointmentBooked))
	assert.Empty(t, sink.Types())
}

func TestCollaboratorErrorUnwraps(t *testing.T) {
	base := errors.New("timeout")
	err := error(&CollaboratorError{Collaborator: "notes_generator", Err: base})
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "notes_generator")
}
