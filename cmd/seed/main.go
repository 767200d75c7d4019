package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/hackgods/telehealth-scheduling/internal/app"
	"github.com/hackgods/telehealth-scheduling/internal/db"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL")).With("service", "seed")
	logger.Info("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Error("POSTGRES_DSN is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn, db.PoolOptions{})
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := seedPractitioners(context.Background(), pool, 100, logger); err != nil {
		logger.Error("seed practitioners", "error", err)
		os.Exit(1)
	}

	logger.Info("seed complete")
}

// seedPractitioners inserts count practitioners in batches. Roughly one in
// five stays pending so unapproved bookings can be exercised.
func seedPractitioners(ctx context.Context, pool *pgxpool.Pool, count int, logger *logging.Logger) error {
	logger.Info("seeding practitioners", "count", count)

	const batchSize = 50

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for _, p := range app.DemoPractitioners(end - offset) {
			_, err := tx.Exec(ctx, `
				INSERT INTO practitioners (id, name, specialty, approval_status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, p.ID, p.Name, p.Specialty, string(p.ApprovalStatus))
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		logger.Info("practitioners seeded", "done", end, "total", count)
	}

	return nil
}
