package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sabbir3x/outreach/internal/logging"
	"github.com/Sabbir3x/outreach/internal/store"
)

// Publisher delivers one event with a dedup id
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Relay moves outbox rows to the event bus
type Relay struct {
	outbox    store.Outbox
	publisher Publisher
	log       *zerolog.Logger

	BatchSize    int
	IdleWait     time.Duration
	RetryBackoff time.Duration
}

func NewRelay(outbox store.Outbox, publisher Publisher, log *zerolog.Logger) *Relay {
	if log == nil {
		log = logging.Nop()
	}
	return &Relay{
		outbox:       outbox,
		publisher:    publisher,
		log:          log,
		BatchSize:    100,
		IdleWait:     500 * time.Millisecond,
		RetryBackoff: 10 * time.Second,
	}
}

// Run dispatches until ctx is cancelled
func (r *Relay) Run(ctx context.Context) error {
	for {
		n, err := r.PublishPending(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			r.log.Error().Err(err).Msg("outbox relay failed")
			wait = time.Second
		case n == 0:
			wait = r.IdleWait
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// PublishPending publishes one batch of due outbox rows and returns how
// many were dequeued. Failed publishes are rescheduled with backoff. An
// error is returned when a row could not be marked, so the caller pauses
// instead of dequeuing the same rows again.
func (r *Relay) PublishPending(ctx context.Context) (int, error) {
	messages, err := r.outbox.DequeueOutbox(ctx, r.BatchSize)
	if err != nil {
		return 0, err
	}

	var markErrs []error

	for _, msg := range messages {
		if err := r.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			r.log.Warn().Err(err).Int64("outbox_id", msg.ID).Str("msg_id", msg.MsgID).Msg("publish failed, will retry")
			if rerr := r.outbox.MarkOutboxRetry(ctx, msg.ID, r.RetryBackoff); rerr != nil {
				r.log.Error().Err(rerr).Int64("outbox_id", msg.ID).Msg("failed to reschedule outbox message")
				markErrs = append(markErrs, rerr)
			}
			continue
		}

		if err := r.outbox.MarkPublished(ctx, msg.ID); err != nil {
			r.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("failed to mark outbox message published")
			markErrs = append(markErrs, err)
		}
	}
	return len(messages), errors.Join(markErrs...)
}
