// Package database is the persistence layer. Query functions take a
// sqlx.ExtContext so they compose inside transactions; the Store type owns
// the transaction boundary and defers side effects (realtime events, job
// dispatch) until after commit.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL support for hosted deployments
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL is the primary backend (pgvector)
)

// New creates a new database connection (supports both MySQL and PostgreSQL)
func New(databaseURL string) (*sqlx.DB, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}

	// Auto-detect driver from URL
	driver := "mysql"
	if strings.HasPrefix(databaseURL, "postgres") {
		driver = "postgres"
	}

	db, err := sqlx.Open(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool settings
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Ping verifies connectivity and reports round-trip latency.
func Ping(ctx context.Context, db *sqlx.DB) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return 0, fmt.Errorf("failed to ping database: %w", err)
	}
	return time.Since(start), nil
}
