package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avenirsoft/crmcore/internal/config"
	"github.com/avenirsoft/crmcore/internal/idempotency"
	"github.com/avenirsoft/crmcore/internal/logging"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep expired idempotency rows once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.New(os.Stderr, cfg.NATSName, cfg.Environment)

		if cfg.DatabaseURL == "" {
			return fmt.Errorf("CRM_DATABASE_URL is required")
		}

		store, err := idempotency.New(cfg.DatabaseURL, cfg.IdempotencyRetention)
		if err != nil {
			return err
		}
		defer store.Close()

		archive, err := newArchive(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}

		sweeper := idempotency.NewSweeper(store, archive, cfg.SweepInterval, logger)
		count := sweeper.SweepOnce(cmd.Context())
		fmt.Printf("removed %d expired rows\n", count)
		return nil
	},
}
