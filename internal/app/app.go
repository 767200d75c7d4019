// Package app assembles the scheduling service from configuration. Both the
// API server and the no-show worker build the same graph so their events
// reach the same sinks.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/telehealth-scheduling/internal/appointment"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/events"
	"github.com/hackgods/telehealth-scheduling/internal/lock"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/metrics"
	redisclient "github.com/hackgods/telehealth-scheduling/internal/redis"
)

type App struct {
	Config   config.Config
	Logger   *logging.Logger
	Service  *appointment.Service
	Registry *prometheus.Registry
	Metrics  *metrics.SchedulingMetrics

	// Postgres and Redis are nil when the configuration does not use them.
	Postgres *pgxpool.Pool
	Redis    *redis.Client

	// Memory is set when STORE=memory so callers can register practitioners.
	Memory *appointment.MemoryRepository

	dispatcher *events.Dispatcher
	closers    []func() error
}

func Build(ctx context.Context, cfg config.Config, logger *logging.Logger) (_ *App, err error) {
	if logger == nil {
		logger = logging.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.NewSchedulingMetrics(a.Registry)

	repo, err := a.buildRepository(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.NeedsRedis() {
		a.Redis, err = redisclient.NewRedisClient(ctx, redisclient.ClientOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("redis connection: %w", err)
		}
		logger.Info("connected to Redis", "addr", cfg.RedisAddr)
	}

	var locker lock.Locker
	switch cfg.LockBackend {
	case "redis":
		locker = redisclient.NewRedisLocker(a.Redis, cfg.LockTTL, cfg.LockWait)
	default:
		locker = lock.NewLocal(cfg.LockWait)
	}

	sink, err := a.buildSink(ctx)
	if err != nil {
		return nil, err
	}
	a.dispatcher = events.NewDispatcher(sink, events.DispatcherConfig{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		Timeout:     cfg.Dispatch.Timeout,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Backoff:     200 * time.Millisecond,
	}, logger, a.Metrics)

	a.Service, err = appointment.NewService(appointment.Options{
		Repo:      repo,
		Locker:    locker,
		Publisher: a.dispatcher,
		Logger:    logger,
		Metrics:   a.Metrics,
		Policy: appointment.SchedulingPolicy{
			MinLeadMinutes: cfg.Scheduling.MinLeadMinutes,
			MaxSlotMinutes: cfg.Scheduling.MaxSlotMinutes,
		},
		Location:     cfg.Scheduling.Location,
		NotesTimeout: cfg.Scheduling.NotesTimeout,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) buildRepository(ctx context.Context) (appointment.Repository, error) {
	if a.Config.Store == "memory" {
		a.Logger.Warn("using in-memory store, data is lost on restart")
		a.Memory = appointment.NewMemoryRepository()
		for _, p := range DemoPractitioners(a.Config.MemorySeed) {
			a.Memory.PutPractitioner(p)
			a.Logger.Info("demo practitioner registered",
				"practitioner_id", p.ID,
				"name", p.Name,
				"approval_status", p.ApprovalStatus,
			)
		}
		return a.Memory, nil
	}

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(pgCtx, a.Config.PostgresDSN, db.PoolOptions{
		MaxConns: int32(a.Config.PostgresMaxConn),
	})
	if err != nil {
		return nil, fmt.Errorf("postgres connection: %w", err)
	}
	a.Postgres = pool
	if err := db.CheckSchema(pgCtx, pool); err != nil {
		return nil, err
	}
	a.Logger.Info("connected to Postgres")
	return appointment.NewPgRepository(pool), nil
}

func (a *App) buildSink(ctx context.Context) (events.Sink, error) {
	var sinks events.FanoutSink
	for _, name := range a.Config.Sinks.Enabled {
		switch name {
		case "log":
			sinks = append(sinks, events.NewLogSink(a.Logger))
		case "redis":
			sinks = append(sinks, events.NewRedisStreamSink(a.Redis, a.Config.Sinks.EventsStream))
		case "sqs":
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			sinks = append(sinks, events.NewSQSSink(sqs.NewFromConfig(awsCfg), a.Config.Sinks.SQSQueueURL))
		case "kafka":
			k := events.NewKafkaSink(a.Config.Sinks.KafkaBrokers, a.Config.Sinks.KafkaTopic)
			a.closers = append(a.closers, k.Close)
			sinks = append(sinks, k)
		default:
			return nil, fmt.Errorf("unknown notification sink %q", name)
		}
		a.Logger.Info("notification sink enabled", "sink", name)
	}

	switch len(sinks) {
	case 0:
		return events.NewLogSink(a.Logger), nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

// Close drains background notes work, flushes queued events and releases
// connections, in that order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Service != nil {
		if err := a.Service.Drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain service: %w", err))
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
		a.dispatcher = nil
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
		a.Redis = nil
	}
	if a.Postgres != nil {
		a.Postgres.Close()
		a.Postgres = nil
	}
	return errors.Join(errs...)
}

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
}

// DemoPractitioners fabricates n practitioners. Every fifth one is left
// pending approval so the approval gate can be exercised.
func DemoPractitioners(n int) []appointment.Practitioner {
	out := make([]appointment.Practitioner, 0, n)
	for i := 0; i < n; i++ {
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		status := appointment.ApprovalApproved
		if i%5 == 4 {
			status = appointment.ApprovalPending
		}
		out = append(out, appointment.Practitioner{
			ID:             uuid.New(),
			Name:           "Dr. " + gofakeit.LastName(),
			Specialty:      &spec,
			ApprovalStatus: status,
		})
	}
	return out
}
