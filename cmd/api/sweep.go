package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/internal/worker"
)

func sweepCmd() *cobra.Command {
	jobs := make([]string, 0, len(worker.DefaultSpecs))
	for name := range worker.DefaultSpecs {
		jobs = append(jobs, name)
	}
	sort.Strings(jobs)

	return &cobra.Command{
		Use:   "sweep <job>",
		Short: "Run one background sweep now and exit",
		Long: `Run one background sweep immediately, under the same lease the
scheduler uses, so it never overlaps a running replica.

Jobs:
  idempotency-cleanup  drop expired idempotency records
  escrow-release       pay out holds whose countdown has elapsed
  checkout-expiry      fail checkout sessions past their expiry
  capture-redrive      finish captures whose escrow step never ran
  settlement-redrive   settle resolved disputes whose refund never landed
  dispute-expiry       close disputes idle past the evidence window
  audit-relay          deliver undelivered audit events`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: jobs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.close()

			c, err := buildCore(rt)
			if err != nil {
				return err
			}
			n, err := c.scheduler.RunOnce(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("sweep %s: %w", args[0], err)
			}
			rt.logger.Info("sweep finished", zap.String("job", args[0]), zap.Int("handled", n))
			return nil
		},
	}
}
