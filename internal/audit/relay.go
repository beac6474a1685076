package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/clock"
)

// Outbox is the persisted queue of audit events awaiting delivery.
type Outbox interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	ClaimUndelivered(ctx context.Context, limit int) ([]Event, error)
	MarkDelivered(ctx context.Context, eventIDs []string, at time.Time) error
}

// Publisher delivers one event to the event transport.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Relay moves events from the outbox to the publisher in append order.
// The audit log itself is never modified; only the delivery marker is.
type Relay struct {
	outbox     Outbox
	publisher  Publisher
	clock      clock.Clock
	logger     *zap.Logger
	batchSize  int
	maxRetries uint64
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithMaxRetries(n uint64) RelayOption {
	return func(r *Relay) {
		r.maxRetries = n
	}
}

func NewRelay(outbox Outbox, publisher Publisher, clk clock.Clock, logger *zap.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Relay{
		outbox:     outbox,
		publisher:  publisher,
		clock:      clk,
		logger:     logger,
		batchSize:  100,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush delivers one batch. Delivery stops at the first event that still
// fails after retries so later events never overtake it.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	delivered := 0
	var pubErr error
	err := r.outbox.WithTx(ctx, func(txCtx context.Context) error {
		events, err := r.outbox.ClaimUndelivered(txCtx, r.batchSize)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(events))
		for _, e := range events {
			e := e
			b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), txCtx)
			pubErr = backoff.Retry(func() error {
				return r.publisher.Publish(txCtx, e)
			}, b)
			if pubErr != nil {
				r.logger.Warn("audit publish failed",
					zap.String("event_id", e.EventID),
					zap.String("event_type", e.EventType),
					zap.Error(pubErr),
				)
				break
			}
			ids = append(ids, e.EventID)
		}

		if len(ids) > 0 {
			if err := r.outbox.MarkDelivered(txCtx, ids, r.clock.Now()); err != nil {
				return err
			}
		}
		delivered = len(ids)
		return nil
	})
	if err != nil {
		return delivered, err
	}
	if pubErr != nil {
		return delivered, fmt.Errorf("publish audit event: %w", pubErr)
	}
	return delivered, nil
}
