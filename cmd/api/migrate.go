package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/howweplan/bookingcore/migrations"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.close()

			names, err := migrations.Names()
			if err != nil {
				return err
			}
			rt.logger.Info("migrations applied", zap.Strings("files", names))
			return nil
		},
	}
}
