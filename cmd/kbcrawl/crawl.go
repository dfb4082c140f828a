package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kbcrawl/internal/crawler"
	"kbcrawl/internal/syncer"
	"kbcrawl/pkg/types"
)

func newCrawlCmd() *cobra.Command {
	var (
		seeds       []string
		maxPages    int
		maxDepth    int
		storagePath string
		include     []string
		exclude     []string
		renderPages bool
	)

	cmd := &cobra.Command{
		Use:   "crawl [seeds...]",
		Short: "Crawl a site from its seed URLs",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Positional arguments and --seed flags are equivalent; either
			// overrides the configured seed list.
			if all := append(args, seeds...); len(all) > 0 {
				cfg.Crawl.Seeds = all
			}
			if cmd.Flags().Changed("max-pages") {
				cfg.Crawl.MaxPages = maxPages
			}
			if cmd.Flags().Changed("max-depth") {
				cfg.Crawl.MaxDepth = maxDepth
			}
			if storagePath != "" {
				cfg.Storage.Driver = "sqlite"
				cfg.Storage.Path = storagePath
			}
			if len(include) > 0 {
				cfg.Crawl.IncludePatterns = include
			}
			if len(exclude) > 0 {
				cfg.Crawl.ExcludePatterns = exclude
			}
			if cmd.Flags().Changed("render") {
				cfg.Rendering.Enabled = renderPages
			}
			cfg.Normalise()
			if err := cfg.Validate(); err != nil {
				return err
			}

			job, err := crawler.New(cfg, crawler.Deps{})
			if err != nil {
				return err
			}
			defer job.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run, err := job.Run(ctx)
			if run != nil {
				printRunSummary(cmd.OutOrStdout(), run)
			}
			return err
		},
	}

	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "seed URL (repeatable, overrides config)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page budget for the run")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "maximum link depth from any seed")
	cmd.Flags().StringVar(&storagePath, "db", "", "sqlite database path (overrides storage config)")
	cmd.Flags().StringArrayVar(&include, "include", nil, "only admit URLs matching this pattern (repeatable)")
	cmd.Flags().StringArrayVar(&exclude, "exclude", nil, "reject URLs matching this pattern (repeatable)")
	cmd.Flags().BoolVar(&renderPages, "render", false, "enable headless-browser rendering for script-heavy pages")
	return cmd
}

func newSyncCmd() *cobra.Command {
	var (
		siteID      string
		maxPages    int
		storagePath string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Re-validate previously crawled pages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if siteID != "" {
				cfg.Site.ID = siteID
			}
			if cmd.Flags().Changed("max-pages") {
				cfg.Sync.MaxPages = maxPages
			}
			if storagePath != "" {
				cfg.Storage.Driver = "sqlite"
				cfg.Storage.Path = storagePath
			}
			cfg.Normalise()
			if err := cfg.Validate(); err != nil {
				return err
			}

			job, err := syncer.New(cfg, syncer.Deps{})
			if err != nil {
				return err
			}
			defer job.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run, err := job.Run(ctx)
			if run != nil {
				printRunSummary(cmd.OutOrStdout(), run)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&siteID, "site", "", "site id (defaults to the id derived from configured seeds)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "maximum pages to re-validate")
	cmd.Flags().StringVar(&storagePath, "db", "", "sqlite database path (overrides storage config)")
	return cmd
}

func printRunSummary(w io.Writer, run *types.CrawlRun) {
	kind := "crawl"
	if run.IsSync {
		kind = "sync"
	}
	fmt.Fprintf(w, "%s run %s: %s\n", kind, run.ID, run.Status)
	fmt.Fprintf(w, "  discovered %d  crawled %d  changed %d  unchanged %d\n",
		run.Stats.PagesDiscovered, run.Stats.PagesCrawled,
		run.Stats.PagesChanged, run.Stats.PagesUnchanged)
	fmt.Fprintf(w, "  new %d  deleted %d  skipped %d  failed %d\n",
		run.Stats.PagesNew, run.Stats.PagesDeleted,
		run.Stats.PagesSkipped, run.Stats.PagesFailed)
	fmt.Fprintf(w, "  downloaded %s in %s\n",
		formatBytes(run.Stats.BytesDownloaded), run.Duration().Round(time.Millisecond))
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
