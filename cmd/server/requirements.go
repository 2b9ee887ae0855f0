package main

import (
	"encoding/json"

	"github.com/PaulBabatuyi/casevault/internal/config"
	"github.com/PaulBabatuyi/casevault/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRequirementsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "requirements",
		Short: "Print the upload requirements the current configuration enforces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			local, err := storage.NewLocalStore(cfg.Storage.UploadDir)
			if err != nil {
				return err
			}
			m, err := storage.NewManager(storage.Config{
				MaxFileSize:       cfg.Storage.MaxFileSize,
				AllowedExtensions: cfg.Storage.AllowedExtensions,
			}, storage.Deps{Local: local, Logger: zap.NewNop()})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(m.Requirements())
		},
	}
}

