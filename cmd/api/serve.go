package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	transporthttp "github.com/howweplan/bookingcore/internal/transport/http"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var skipMigrations bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, unless disabled, the background sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), !skipMigrations)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply embedded migrations on startup")
	return cmd
}

func runServe(ctx context.Context, migrate bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := bootstrap(ctx, migrate)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	if rt.cfg.PaymentBaseURL == "" || rt.cfg.WebhookSecret == "" {
		return errors.New("PAYMENT_BASE_URL and PAYMENT_WEBHOOK_SECRET are required to serve")
	}

	c, err := buildCore(rt)
	if err != nil {
		return err
	}

	checks := map[string]transporthttp.ReadyCheck{"postgres": rt.pool.Ping}
	if rt.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return rt.redis.Ping(ctx).Err() }
	}

	handler := transporthttp.NewRouter(transporthttp.RouterDeps{
		Bookings:      c.bookings,
		Payments:      c.payments,
		Disputes:      c.disputes,
		Refunds:       c.refunds,
		Escrow:        c.escrow,
		Audit:         c.auditLog,
		Guard:         c.guard,
		WebhookSecret: []byte(rt.cfg.WebhookSecret),
		CORSOrigins:   rt.cfg.CORSOrigins,
		ReadyChecks:   checks,
		Logger:        logger.Named("http"),
	})

	server := &http.Server{
		Addr:              ":" + rt.cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if rt.cfg.WorkerEnabled {
		c.scheduler.Start(stopCtx)
		logger.Info("worker started", zap.Strings("jobs", c.scheduler.Names()))
	}

	logger.Info("api listening", zap.String("addr", server.Addr))

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			runErr = err
		}
	case <-stopCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if rt.cfg.WorkerEnabled {
		c.scheduler.Stop()
	}
	// Push whatever the last requests appended before the publisher closes.
	if n, err := c.relay.Flush(shutdownCtx); err != nil {
		logger.Warn("final audit flush failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("final audit flush", zap.Int("events", n))
	}
	logger.Info("server stopped")
	return runErr
}
