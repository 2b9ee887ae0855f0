package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/PaulBabatuyi/casevault/internal/config"
	"github.com/PaulBabatuyi/casevault/internal/database"
	"github.com/PaulBabatuyi/casevault/internal/objectstore"
	"github.com/PaulBabatuyi/casevault/internal/observability"
	"github.com/PaulBabatuyi/casevault/internal/reconcile"
	"github.com/spf13/cobra"
)

func newReconcileCommand(configPath *string) *cobra.Command {
	var opts reconcile.Options

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Report (or delete) object-store objects no metadata row references",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := observability.InitLogger(cfg.Server.Dev)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			backend, err := newBackend(ctx, cfg.ObjectStore)
			if err != nil {
				return err
			}
			if backend == nil {
				return errors.New("reconcile needs an object store; set object_store.driver")
			}
			db, err := database.NewPostgresDB(cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			store := objectstore.NewAdapter(backend, objectstore.AdapterConfig{}, logger, nil)
			report, err := reconcile.Run(ctx, store, db, opts, logger)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d orphans could not be deleted", len(report.Failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Delete, "delete", false, "delete the orphans instead of only reporting them")
	cmd.Flags().DurationVar(&opts.Grace, "grace", time.Hour, "ignore objects younger than this")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "only scan keys under this prefix")
	return cmd
}
