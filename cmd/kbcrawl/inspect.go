package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"kbcrawl/internal/config"
	"kbcrawl/internal/storage"
)

// withBackend opens the configured storage backend, runs fn, and closes it.
func withBackend(fn func(cfg config.Config, backend storage.Backend) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	backend, err := storage.Open(cfg.Storage)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(cfg, backend)
}

// resolveSiteID prefers the explicit flag, then the configured site id, then
// the id derived from configured seeds.
func resolveSiteID(flagValue string, cfg config.Config) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if cfg.Site.ID != "" {
		return cfg.Site.ID, nil
	}
	if len(cfg.Crawl.Seeds) > 0 {
		return storage.DeriveSiteID(cfg.Crawl.Seeds), nil
	}
	return "", errors.New("no site specified: pass --site or configure seeds")
}

func newSitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List known sites",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(func(_ config.Config, backend storage.Backend) error {
				sites, err := backend.ListSites(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SITE\tNAME\tRUNS\tLAST SYNC\tSEEDS")
				for _, s := range sites {
					lastSync := "never"
					if s.LastSyncAt != nil {
						lastSync = s.LastSyncAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\n",
						s.ID, s.Name, s.TotalRuns, lastSync, len(s.Seeds))
				}
				return tw.Flush()
			})
		},
	}
}

func newRunsCmd() *cobra.Command {
	var (
		siteID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs for a site, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(func(cfg config.Config, backend storage.Backend) error {
				id, err := resolveSiteID(siteID, cfg)
				if err != nil {
					return err
				}
				runs, err := backend.ListRuns(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tTYPE\tSTATUS\tSTARTED\tCRAWLED\tCHANGED\tFAILED")
				for _, r := range runs {
					kind := "crawl"
					if r.IsSync {
						kind = "sync"
					}
					started := "-"
					if r.StartedAt != nil {
						started = r.StartedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
						r.ID, kind, r.Status, started,
						r.Stats.PagesCrawled, r.Stats.PagesChanged, r.Stats.PagesFailed)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newPagesCmd() *cobra.Command {
	var (
		siteID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:     "pages",
		Aliases: []string{"list"},
		Short:   "List stored pages for a site",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withBackend(func(cfg config.Config, backend storage.Backend) error {
				id, err := resolveSiteID(siteID, cfg)
				if err != nil {
					return err
				}
				pages, err := backend.ListPages(cmd.Context(), id, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "URL\tDEPTH\tVERSIONS\tSTATUS\tLAST CRAWLED")
				for _, p := range pages {
					lastCrawled := "never"
					if p.LastCrawled != nil {
						lastCrawled = p.LastCrawled.Format(time.RFC3339)
					}
					status := fmt.Sprintf("%d", p.StatusCode)
					if p.IsTombstone {
						status = "deleted"
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
						p.URL, p.Depth, p.VersionCount, status, lastCrawled)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&siteID, "site", "", "site id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum pages to list")
	return cmd
}
