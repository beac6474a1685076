package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/app"
	"github.com/howweplan/bookingcore/internal/audit"
	"github.com/howweplan/bookingcore/internal/clock"
	"github.com/howweplan/bookingcore/internal/config"
	"github.com/howweplan/bookingcore/internal/fees"
	"github.com/howweplan/bookingcore/internal/idempotency"
	"github.com/howweplan/bookingcore/internal/logging"
	"github.com/howweplan/bookingcore/internal/payment"
	"github.com/howweplan/bookingcore/internal/storage/bolt"
	"github.com/howweplan/bookingcore/internal/storage/postgres"
	redisstore "github.com/howweplan/bookingcore/internal/storage/redis"
	"github.com/howweplan/bookingcore/internal/worker"
	"github.com/howweplan/bookingcore/migrations"
)

const startupTimeout = 5 * time.Second

// deps holds the process-wide dependencies. close releases them in
// reverse order of acquisition.
type deps struct {
	cfg     config.Config
	logger  *zap.Logger
	pool    *pgxpool.Pool
	redis   goredis.UniversalClient
	closers []func()
}

func (rt *deps) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

func (rt *deps) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	_ = rt.logger.Sync()
}

// bootstrap loads configuration, builds the logger and connects to
// Postgres. Migrations run when migrate is set.
func bootstrap(ctx context.Context, migrate bool) (*deps, error) {
	boot, err := logging.New(logging.Config{
		Environment: logging.Environment(os.Getenv("APP_ENV")),
		Level:       os.Getenv("LOG_LEVEL"),
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	cfg, err := config.Load(boot)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Environment: logging.Environment(cfg.Environment),
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	rt := &deps{cfg: cfg, logger: logger}

	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	rt.pool = pool
	rt.onClose(pool.Close)

	if err := pool.Ping(startupCtx); err != nil {
		rt.close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if migrate {
		if err := migrations.Apply(startupCtx, pool); err != nil {
			rt.close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}

	if cfg.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(startupCtx).Err(); err != nil {
			_ = client.Close()
			rt.close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		rt.redis = client
		rt.onClose(func() { _ = client.Close() })
	}
	return rt, nil
}

// core is the assembled service layer.
type core struct {
	repos     app.Repositories
	auditLog  *postgres.AuditRepository
	guard     *idempotency.Guard
	bookings  *app.BookingService
	payments  *app.PaymentService
	disputes  *app.DisputeService
	refunds   *app.RefundService
	escrow    *app.EscrowService
	relay     *audit.Relay
	scheduler *worker.Scheduler
}

func buildCore(rt *deps) (*core, error) {
	cfg := rt.cfg
	clk := clock.NewSystem()

	store, err := idempotencyStore(rt)
	if err != nil {
		return nil, err
	}

	repos := postgres.NewRepositories(rt.pool)
	calc := fees.NewCalculator(fees.Schedule{
		BookingFeeBps: cfg.BookingFeeBps,
		CommissionBps: cfg.CommissionBps,
		MinBasePrice:  cfg.MinBasePrice,
		MaxBasePrice:  cfg.MaxBasePrice,
		Currency:      cfg.Currency,
	})
	gateway := payment.NewHTTPGateway(payment.HTTPConfig{
		BaseURL: cfg.PaymentBaseURL,
		APIKey:  cfg.PaymentAPIKey,
		Timeout: cfg.PaymentTimeout,
	}, rt.logger.Named("payment"))

	c := &core{
		repos:    repos,
		auditLog: postgres.NewAuditRepository(rt.pool),
		guard:    idempotency.NewGuard(store, clk, idempotency.WithTTL(cfg.IdempotencyTTL)),
	}
	c.escrow = app.NewEscrowService(repos, clk, rt.logger, app.WithReleaseDelay(cfg.EscrowReleaseDelay))
	c.bookings = app.NewBookingService(repos, calc, c.escrow, clk, rt.logger)
	c.payments = app.NewPaymentService(repos, gateway, c.bookings, c.escrow, clk, rt.logger, app.WithCheckoutTTL(cfg.CheckoutTTL))
	c.disputes = app.NewDisputeService(repos, gateway, c.escrow, clk, rt.logger, app.WithEvidenceWindow(cfg.EvidenceWindow))
	c.refunds = app.NewRefundService(repos, gateway, c.escrow, clk, rt.logger)

	publisher, err := auditPublisher(rt)
	if err != nil {
		return nil, err
	}
	c.relay = audit.NewRelay(c.auditLog, publisher, clk, rt.logger.Named("audit"))

	var locker worker.Locker = worker.NewLocalLocker()
	if rt.redis != nil {
		locker = worker.NewRedisLocker(rt.redis, "bookingcore:")
	}
	c.scheduler = worker.NewScheduler(locker, rt.logger.Named("worker"), worker.WithLeaseTTL(cfg.WorkerLease))
	for _, job := range worker.StandardJobs(worker.Services{
		Idempotency: c.guard,
		Escrow:      c.escrow,
		Payments:    c.payments,
		Disputes:    c.disputes,
		Audit:       c.relay,
	}, cfg.JobSchedules) {
		if err := c.scheduler.Register(job); err != nil {
			return nil, fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	return c, nil
}

func idempotencyStore(rt *deps) (idempotency.Store, error) {
	switch rt.cfg.IdempotencyStore {
	case config.StoreRedis:
		if rt.redis == nil {
			return nil, errors.New("redis idempotency store selected but REDIS_URL is not set")
		}
		return redisstore.NewIdempotencyStore(rt.redis), nil
	case config.StoreBolt:
		store, err := bolt.Open(rt.cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		rt.onClose(func() { _ = store.Close() })
		return store, nil
	default:
		return postgres.NewIdempotencyStore(rt.pool), nil
	}
}

func auditPublisher(rt *deps) (audit.Publisher, error) {
	if rt.cfg.AMQPURL == "" {
		rt.logger.Warn("AMQP_URL not set, audit events are delivered to the log")
		return audit.NewLogPublisher(rt.logger.Named("audit")), nil
	}
	conn, ch, err := audit.DialAMQP(rt.cfg.AMQPURL, rt.cfg.AuditExchange)
	if err != nil {
		return nil, err
	}
	rt.onClose(func() { _ = conn.Close() })
	return audit.NewAMQPPublisher(ch, rt.cfg.AuditExchange), nil
}
