// Package bolt keeps idempotency records in an embedded BoltDB file. It
// suits single-node deployments where no shared Redis or Postgres is
// available; the file survives restarts, which is what the guard needs.
package bolt

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/howweplan/bookingcore/internal/idempotency"
)

var bucketName = []byte("idempotency")

type IdempotencyStore struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path and ensures the bucket
// exists.
func Open(path string) (*IdempotencyStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &IdempotencyStore{db: db}, nil
}

func (s *IdempotencyStore) Close() error {
	return s.db.Close()
}

type record struct {
	Fingerprint    string    `json:"fp"`
	Status         string    `json:"status"`
	ResponseStatus int       `json:"response_status,omitempty"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (r record) toDomain(key string) idempotency.Record {
	return idempotency.Record{
		Key:            key,
		Fingerprint:    r.Fingerprint,
		Status:         idempotency.Status(r.Status),
		ResponseStatus: r.ResponseStatus,
		ResponseBody:   r.ResponseBody,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func get(b *bolt.Bucket, key string) (record, bool, error) {
	v := b.Get([]byte(key))
	if v == nil {
		return record{}, false, nil
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return record{}, false, err
	}
	return r, true, nil
}

func put(b *bolt.Bucket, key string, r record) error {
	v, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), v)
}

// Reserve runs inside a single read-write transaction; Bolt allows one
// writer at a time, which gives insert-if-absent semantics.
func (s *IdempotencyStore) Reserve(_ context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	var out idempotency.Record
	var created bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		existing, ok, err := get(b, rec.Key)
		if err != nil {
			return err
		}
		if ok && existing.ExpiresAt.After(rec.CreatedAt) {
			out = existing.toDomain(rec.Key)
			return nil
		}
		created = true
		out = rec
		return put(b, rec.Key, record{
			Fingerprint: rec.Fingerprint,
			Status:      string(rec.Status),
			CreatedAt:   rec.CreatedAt,
			ExpiresAt:   rec.ExpiresAt,
		})
	})
	if err != nil {
		return idempotency.Record{}, false, err
	}
	return out, created, nil
}

func (s *IdempotencyStore) Complete(_ context.Context, key, fingerprint string, status idempotency.Status, responseStatus int, responseBody []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		r, ok, err := get(b, key)
		if err != nil {
			return err
		}
		if !ok || r.Fingerprint != fingerprint || r.Status != string(idempotency.StatusProcessing) {
			return idempotency.ErrRecordNotFound
		}
		r.Status = string(status)
		r.ResponseStatus = responseStatus
		r.ResponseBody = responseBody
		return put(b, key, r)
	})
}

func (s *IdempotencyStore) Retake(_ context.Context, key, fingerprint string, expiresAt time.Time) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		r, found, err := get(b, key)
		if err != nil {
			return err
		}
		if !found || r.Fingerprint != fingerprint || r.Status != string(idempotency.StatusFailed) {
			return nil
		}
		r.Status = string(idempotency.StatusProcessing)
		r.ExpiresAt = expiresAt
		ok = true
		return put(b, key, r)
	})
	return ok, err
}

func (s *IdempotencyStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if !r.ExpiresAt.After(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = int64(len(expired))
		return nil
	})
	return n, err
}
