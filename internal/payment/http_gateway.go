package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPConfig configures the processor client.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries uint64
	// Breaker trips after this many consecutive transient failures.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// HTTPGateway talks JSON over HTTP to the processor. Transient failures
// (network errors, 5xx, 429) are retried with exponential backoff; a
// circuit breaker stops calling a processor that keeps failing.
type HTTPGateway struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	backoff func() backoff.BackOff
}

type HTTPOption func(*HTTPGateway)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(g *HTTPGateway) {
		g.client = c
	}
}

// WithBackOff replaces the retry schedule.
func WithBackOff(fn func() backoff.BackOff) HTTPOption {
	return func(g *HTTPGateway) {
		g.backoff = fn
	}
}

func NewHTTPGateway(cfg HTTPConfig, logger *zap.Logger, opts ...HTTPOption) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	g := &HTTPGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrDeclined)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *HTTPGateway) CreateOrder(ctx context.Context, req OrderRequest) (Order, error) {
	var out Order
	if err := g.call(ctx, "/orders", req.IdempotencyKey, req, &out); err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return out, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var out RefundResult
	err := g.call(ctx, "/refunds", req.IdempotencyKey, req, &out)
	if errors.Is(err, ErrDeclined) {
		return RefundResult{Outcome: RefundDeclined, FailureReason: err.Error()}, nil
	}
	if err != nil {
		return RefundResult{}, fmt.Errorf("refund: %w", err)
	}
	return out, nil
}

func (g *HTTPGateway) call(ctx context.Context, path, key string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	op := func() error {
		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, g.do(ctx, path, key, body, out)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrDeclined):
			return backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrUnavailable, err))
		}
		g.logger.Warn("payment gateway call failed, retrying", zap.String("path", path), zap.Error(err))
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(g.backoff(), g.cfg.MaxRetries), ctx)
	err = backoff.Retry(op, b)
	if err != nil && !errors.Is(err, ErrDeclined) && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (g *HTTPGateway) do(ctx context.Context, path, key string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(g.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("processor returned %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrDeclined, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}
