// Package idempotency keeps Pub/Sub redeliveries of outbox events from being
// applied twice by the same consumer.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/bring2life/bring2life-backend/pkg/redis"
)

// markerStore is the subset of redis.IdempotencyStore the deduper needs.
type markerStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

var _ markerStore = (redis.IdempotencyStore)(nil)

// Deduper marks an event as handled under
// b2l:idempotency:evt:<consumer>:<event_id> before the handler runs and
// clears the mark when the handler fails, so a redelivery gets another try.
type Deduper struct {
	store markerStore
	ttl   time.Duration
}

// NewDeduper keeps marks for ttl; zero keeps them until evicted.
func NewDeduper(store markerStore, ttl time.Duration) (*Deduper, error) {
	if store == nil {
		return nil, errors.New("idempotency: marker store required")
	}
	if ttl < 0 {
		return nil, fmt.Errorf("idempotency: negative ttl %s", ttl)
	}
	return &Deduper{store: store, ttl: ttl}, nil
}

// Once runs fn unless consumer already handled eventID. It reports whether
// fn ran. A failure to place the mark is returned without running fn.
func (d *Deduper) Once(ctx context.Context, consumer string, eventID uuid.UUID, fn func(context.Context) error) (bool, error) {
	if consumer == "" || eventID == uuid.Nil {
		return false, fmt.Errorf("idempotency: consumer and event id required (got %q, %s)", consumer, eventID)
	}
	key := d.store.IdempotencyKey("evt:"+consumer, eventID.String())

	fresh, err := d.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), d.ttl)
	if err != nil {
		return false, fmt.Errorf("idempotency: mark %s: %w", key, err)
	}
	if !fresh {
		return false, nil
	}
	if err := fn(ctx); err != nil {
		if delErr := d.store.Del(context.WithoutCancel(ctx), key); delErr != nil {
			err = multierr.Append(err, fmt.Errorf("idempotency: clear %s: %w", key, delErr))
		}
		return true, err
	}
	return true, nil
}
