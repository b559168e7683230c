package database

import (
	"context"

	"github.com/rs/zerolog"

	"helpdesk/internal/jobs"
	"helpdesk/internal/realtime"
)

// Outbox buffers side effects produced inside a transaction. Nothing leaves
// the process until Flush runs after a successful commit; a rolled-back
// transaction discards the buffer, so observers never see phantom events.
type Outbox struct {
	events   []realtime.Event
	dispatch []pendingJob
}

type pendingJob struct {
	event   string
	payload any
	opts    []jobs.Option
}

// PublishEvent stages a realtime event for post-commit delivery.
func (o *Outbox) PublishEvent(event realtime.Event) {
	o.events = append(o.events, event)
}

// EnqueueJob stages a background job for post-commit dispatch.
func (o *Outbox) EnqueueJob(event string, payload any, opts ...jobs.Option) {
	o.dispatch = append(o.dispatch, pendingJob{event: event, payload: payload, opts: opts})
}

// Flush delivers everything staged. Realtime delivery failures are logged
// and swallowed (clients reconcile via the API); job dispatch failures are
// returned because jobs carry required work.
func (o *Outbox) Flush(ctx context.Context, rt realtime.Publisher, enq jobs.Enqueuer, logger zerolog.Logger) error {
	for _, ev := range o.events {
		if err := rt.Publish(ctx, ev); err != nil {
			logger.Warn().Err(err).Str("event", ev.Name).Msg("failed to publish realtime event")
		}
	}
	for _, job := range o.dispatch {
		if err := enq.Enqueue(ctx, job.event, job.payload, job.opts...); err != nil {
			return err
		}
	}
	return nil
}
