// Package idempotency deduplicates retried requests by caller-supplied key.
//
// The first request under a key is admitted and its final response cached;
// a retry with the same body replays that response, a retry with a
// different body is rejected, and a retry that arrives while the first is
// still running is told so. Records live in an external shared store so the
// guarantee survives restarts and holds across replicas.
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/domain"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultTTL bounds how long a key is remembered. Expiry is cleanup only.
const DefaultTTL = 24 * time.Hour

// ErrRecordNotFound is returned by stores completing a key they do not hold
// in the processing state.
var ErrRecordNotFound = errors.New("idempotency record not found")

type Record struct {
	Key            string
	Fingerprint    string
	Status         Status
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Store is the shared keyed store behind the guard. Implementations must
// make Reserve an insert-if-absent on the key (expired records count as
// absent) and make Complete replace the record in a single atomic write.
type Store interface {
	Reserve(ctx context.Context, rec Record) (Record, bool, error)
	Complete(ctx context.Context, key, fingerprint string, status Status, responseStatus int, responseBody []byte) error
	Retake(ctx context.Context, key, fingerprint string, expiresAt time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type Outcome int

const (
	OutcomeAdmit Outcome = iota + 1
	OutcomeInProgress
	OutcomeReplay
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmit:
		return "admit"
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeReplay:
		return "replay"
	case OutcomeConflict:
		return "conflict"
	}
	return "unknown"
}

// Decision is the guard's verdict. On OutcomeReplay, Record carries the
// cached response.
type Decision struct {
	Outcome     Outcome
	Key         string
	Fingerprint string
	Record      Record
}

type Guard struct {
	store Store
	clock clock.Clock
	ttl   time.Duration
}

type Option func(*Guard)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.ttl = d
		}
	}
}

func NewGuard(store Store, clk clock.Clock, opts ...Option) *Guard {
	g := &Guard{store: store, clock: clk, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit decides what to do with a request carrying key. scope namespaces
// keys per operation.
func (g *Guard) Admit(ctx context.Context, scope, key string, body []byte) (Decision, error) {
	if key == "" {
		return Decision{}, domain.ErrIdempotencyKeyRequired
	}
	fp := Fingerprint(body)
	now := g.clock.Now()
	storeKey := scope + ":" + key

	rec, created, err := g.store.Reserve(ctx, Record{
		Key:         storeKey,
		Fingerprint: fp,
		Status:      StatusProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("reserve idempotency key: %w", err)
	}

	d := Decision{Key: storeKey, Fingerprint: fp, Record: rec}
	switch {
	case created:
		d.Outcome = OutcomeAdmit
	case rec.Fingerprint != fp:
		d.Outcome = OutcomeConflict
	case rec.Status == StatusCompleted:
		d.Outcome = OutcomeReplay
	case rec.Status == StatusFailed:
		ok, err := g.store.Retake(ctx, storeKey, fp, now.Add(g.ttl))
		if err != nil {
			return Decision{}, fmt.Errorf("retake idempotency key: %w", err)
		}
		if ok {
			d.Outcome = OutcomeAdmit
		} else {
			d.Outcome = OutcomeInProgress
		}
	default:
		d.Outcome = OutcomeInProgress
	}
	return d, nil
}

// Complete caches the final response of an admitted request.
func (g *Guard) Complete(ctx context.Context, d Decision, responseStatus int, responseBody []byte) error {
	return g.store.Complete(ctx, d.Key, d.Fingerprint, StatusCompleted, responseStatus, responseBody)
}

// Fail marks an admitted request as failed so a retry with the same body
// may be admitted again.
func (g *Guard) Fail(ctx context.Context, d Decision) error {
	return g.store.Complete(ctx, d.Key, d.Fingerprint, StatusFailed, 0, nil)
}

// Cleanup drops expired records.
func (g *Guard) Cleanup(ctx context.Context) (int64, error) {
	return g.store.DeleteExpired(ctx, g.clock.Now())
}

// Fingerprint hashes a request body. JSON bodies are canonicalized first
// so key order and whitespace do not change the fingerprint.
func Fingerprint(body []byte) string {
	canonical := body
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil && !dec.More() {
		if b, err := json.Marshal(v); err == nil {
			canonical = b
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
