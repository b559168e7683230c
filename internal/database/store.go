package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"helpdesk/internal/jobs"
	"helpdesk/internal/realtime"
)

// Store bundles the database handle with the post-commit side effect sinks.
// Mutations run inside a transaction; staged realtime events and jobs are
// flushed only after the commit succeeds.
type Store struct {
	DB       *sqlx.DB
	Realtime realtime.Publisher
	Jobs     jobs.Enqueuer
	Logger   zerolog.Logger
}

// NewStore creates a store. Pass realtime.NopPublisher / jobs.NopEnqueuer
// when the broker is not configured.
func NewStore(db *sqlx.DB, rt realtime.Publisher, enq jobs.Enqueuer, logger zerolog.Logger) *Store {
	return &Store{DB: db, Realtime: rt, Jobs: enq, Logger: logger}
}

// InTx runs fn inside a transaction with a fresh outbox. On commit the
// outbox is flushed; on error the transaction is rolled back and the staged
// side effects are discarded.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx, outbox *Outbox) error) error {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	outbox := &Outbox{}
	if err := fn(tx, outbox); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.Logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return outbox.Flush(ctx, s.Realtime, s.Jobs, s.Logger)
}
