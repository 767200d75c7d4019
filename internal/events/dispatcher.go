package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Sink is the NotificationSink contract.
type Sink interface {
	Deliver(ctx context.Context, ev DomainEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev DomainEvent) error

func (f SinkFunc) Deliver(ctx context.Context, ev DomainEvent) error { return f(ctx, ev) }

type DispatcherConfig struct {
	Workers     int
	QueueSize   int
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:     4,
		QueueSize:   1024,
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
	}
}

// Dispatcher fans events out to a sink from a small worker pool. Publish
// never blocks: when the queue is full the event is dropped and logged.
type Dispatcher struct {
	sink    Sink
	cfg     DispatcherConfig
	logger  *logging.Logger
	metrics *metrics.SchedulingMetrics

	queue chan DomainEvent
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Sink, cfg DispatcherConfig, logger *logging.Logger, m *metrics.SchedulingMetrics) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}

	d := &Dispatcher{
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		queue:   make(chan DomainEvent, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Publish enqueues events for delivery. Failures are logged, not returned,
// because the mutation they describe has already committed.
func (d *Dispatcher) Publish(_ context.Context, evs ...DomainEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, ev := range evs {
		if d.closed {
			d.logger.Warn("event dropped, dispatcher closed", "event_id", ev.ID, "type", ev.Type)
			d.metrics.ObserveEvent(string(ev.Type), "dropped")
			continue
		}
		select {
		case d.queue <- ev:
		default:
			d.logger.Error("event dropped, dispatch queue full",
				"event_id", ev.ID,
				"type", ev.Type,
				"appointment_id", ev.AppointmentID,
			)
			d.metrics.ObserveEvent(string(ev.Type), "dropped")
		}
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev DomainEvent) {
	var err error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		err = d.sink.Deliver(ctx, ev)
		cancel()
		if err == nil {
			d.metrics.ObserveEvent(string(ev.Type), "delivered")
			d.logger.Debug("event delivered", "event_id", ev.ID, "type", ev.Type, "attempt", attempt)
			return
		}
		if attempt < d.cfg.MaxAttempts && d.cfg.Backoff > 0 {
			time.Sleep(d.cfg.Backoff * time.Duration(attempt))
		}
	}

	cerr := &CollaboratorError{Collaborator: "notification_sink", Err: err}
	d.metrics.ObserveEvent(string(ev.Type), "failed")
	d.logger.Error("event delivery failed",
		"error", cerr,
		"event_id", ev.ID,
		"type", ev.Type,
		"appointment_id", ev.AppointmentID,
		"attempts", d.cfg.MaxAttempts,
	)
}
