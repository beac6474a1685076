// Package redis keeps idempotency records in Redis so every replica shares
// them. Record lifetime is enforced by key TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/howweplan/bookingcore/internal/idempotency"
)

const (
	keyPrefix  = "idem:"
	maxRetries = 5
)

type IdempotencyStore struct {
	client goredis.UniversalClient
}

func NewIdempotencyStore(client goredis.UniversalClient) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

type record struct {
	Fingerprint    string    `json:"fp"`
	Status         string    `json:"status"`
	ResponseStatus int       `json:"response_status,omitempty"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func encode(rec idempotency.Record) ([]byte, error) {
	return json.Marshal(record{
		Fingerprint:    rec.Fingerprint,
		Status:         string(rec.Status),
		ResponseStatus: rec.ResponseStatus,
		ResponseBody:   rec.ResponseBody,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
	})
}

func decode(key string, raw []byte) (idempotency.Record, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return idempotency.Record{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return idempotency.Record{
		Key:            key,
		Fingerprint:    r.Fingerprint,
		Status:         idempotency.Status(r.Status),
		ResponseStatus: r.ResponseStatus,
		ResponseBody:   r.ResponseBody,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}, nil
}

// Reserve uses SET NX so exactly one caller creates the key.
func (s *IdempotencyStore) Reserve(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	val, err := encode(rec)
	if err != nil {
		return idempotency.Record{}, false, err
	}
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)

	for i := 0; i < maxRetries; i++ {
		ok, err := s.client.SetNX(ctx, keyPrefix+rec.Key, val, ttl).Result()
		if err != nil {
			return idempotency.Record{}, false, fmt.Errorf("setnx idempotency key: %w", err)
		}
		if ok {
			return rec, true, nil
		}
		raw, err := s.client.Get(ctx, keyPrefix+rec.Key).Bytes()
		if errors.Is(err, goredis.Nil) {
			// Expired between SETNX and GET; try again.
			continue
		}
		if err != nil {
			return idempotency.Record{}, false, fmt.Errorf("get idempotency key: %w", err)
		}
		existing, err := decode(rec.Key, raw)
		return existing, false, err
	}
	return idempotency.Record{}, false, fmt.Errorf("reserve idempotency key %s: too much contention", rec.Key)
}

// Complete swaps the record in one SET inside a WATCH transaction, keeping
// the original TTL.
func (s *IdempotencyStore) Complete(ctx context.Context, key, fingerprint string, status idempotency.Status, responseStatus int, responseBody []byte) error {
	return s.update(ctx, key, func(rec *idempotency.Record) error {
		if rec.Fingerprint != fingerprint || rec.Status != idempotency.StatusProcessing {
			return idempotency.ErrRecordNotFound
		}
		rec.Status = status
		rec.ResponseStatus = responseStatus
		rec.ResponseBody = responseBody
		return nil
	}, 0)
}

func (s *IdempotencyStore) Retake(ctx context.Context, key, fingerprint string, expiresAt time.Time) (bool, error) {
	err := s.update(ctx, key, func(rec *idempotency.Record) error {
		if rec.Fingerprint != fingerprint || rec.Status != idempotency.StatusFailed {
			return idempotency.ErrRecordNotFound
		}
		rec.Status = idempotency.StatusProcessing
		rec.ExpiresAt = expiresAt
		return nil
	}, time.Until(expiresAt))
	if errors.Is(err, idempotency.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// DeleteExpired is a no-op: Redis drops keys when their TTL elapses.
func (s *IdempotencyStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *IdempotencyStore) update(ctx context.Context, key string, mutate func(*idempotency.Record) error, ttl time.Duration) error {
	fullKey := keyPrefix + key
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, fullKey).Bytes()
		if errors.Is(err, goredis.Nil) {
			return idempotency.ErrRecordNotFound
		}
		if err != nil {
			return err
		}
		rec, err := decode(key, raw)
		if err != nil {
			return err
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		val, err := encode(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if ttl > 0 {
				pipe.Set(ctx, fullKey, val, ttl)
			} else {
				pipe.Set(ctx, fullKey, val, goredis.KeepTTL)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, txf, fullKey)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update idempotency key %s: too much contention", key)
}
