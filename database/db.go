// Package database opens the PostgreSQL connections the Persistence
// Gateway needs: a pgx pool for the raw SQL used by the atomic dequeue
// operation, and a gorm.DB for everything else. Grounded on the teacher's
// database/db.go (pgxpool.New + Ping, same dial timeout), adapted from a
// package-global pool with a fatal-on-error Connect() into an
// error-returning constructor main.go owns the lifecycle of.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Connect opens a pgx connection pool against databaseURL and verifies it
// with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(dialCtx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// OpenGorm opens a gorm.DB against the same databaseURL, for the
// repository-style access the pgx pool doesn't cover.
func OpenGorm(databaseURL string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return gdb, nil
}
