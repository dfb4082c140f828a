// Command kbcrawl crawls documentation sites into a versioned page store and
// keeps the store fresh with incremental sync runs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kbcrawl/internal/config"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "kbcrawl",
		Short:         "Knowledge-base web crawler and sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML configuration file")

	root.AddCommand(
		newCrawlCmd(),
		newSyncCmd(),
		newSitesCmd(),
		newRunsCmd(),
		newPagesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig returns the file-based configuration when --config is given and
// the built-in defaults otherwise. Flag overrides are applied by the caller.
func loadConfig() (config.Config, error) {
	if cfgPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}
