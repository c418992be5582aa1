package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const openAttempts = 5

// Open connects with pgx and waits for the database to accept pings,
// retrying with a linear backoff while the server is still starting.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(25)

	var pingErr error
	for attempt := 1; attempt <= openAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pingErr = db.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			return db, nil
		}
		log.Printf("store: ping attempt %d/%d failed: %v", attempt, openAttempts, pingErr)
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("ping db: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	_ = db.Close()
	return nil, fmt.Errorf("ping db: %w", pingErr)
}
