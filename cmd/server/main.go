// Command casevault runs the case document storage service and its
// maintenance tasks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "casevault",
		Short:         "Hybrid object-store and local-disk storage for case documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml, json or toml); CASEVAULT_* env vars override it")

	root.AddCommand(
		newServeCommand(&configPath),
		newReconcileCommand(&configPath),
		newRequirementsCommand(&configPath),
	)
	return root
}
