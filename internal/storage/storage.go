// Package storage persists the knowledge base: sites, runs, pages, page
// versions, and frontier snapshots. Two SQL backends share one
// implementation via sqlx; a memory backend serves tests.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kbcrawl/internal/config"
	"kbcrawl/pkg/types"
)

// ErrNotFound is returned for lookups of records that do not exist.
var ErrNotFound = errors.New("storage: not found")

// Backend is the persistence surface the crawler and sync engine use.
// SavePage followed by GetPage on the same backend returns the saved state;
// there is no write buffering.
type Backend interface {
	SaveSite(ctx context.Context, site *types.Site) error
	GetSite(ctx context.Context, id string) (*types.Site, error)
	ListSites(ctx context.Context) ([]*types.Site, error)

	SaveRun(ctx context.Context, run *types.CrawlRun) error
	GetRun(ctx context.Context, id string) (*types.CrawlRun, error)
	ListRuns(ctx context.Context, siteID string, limit int) ([]*types.CrawlRun, error)

	SavePage(ctx context.Context, page *types.Page) error
	GetPage(ctx context.Context, id string) (*types.Page, error)
	GetPageByURL(ctx context.Context, siteID, normalizedURL string) (*types.Page, error)
	ListPages(ctx context.Context, siteID string, limit int) ([]*types.Page, error)
	// PagesNeedingRecrawl returns non-tombstone pages last crawled more
	// than maxAge ago (or never), oldest first. A zero maxAge selects all
	// non-tombstone pages.
	PagesNeedingRecrawl(ctx context.Context, siteID string, maxAge time.Duration, limit int) ([]*types.Page, error)
	CountPages(ctx context.Context, siteID string) (int, error)

	SaveVersion(ctx context.Context, v *types.PageVersion) error
	GetVersion(ctx context.Context, id string) (*types.PageVersion, error)
	ListVersions(ctx context.Context, pageID string) ([]*types.PageVersion, error)

	SaveFrontierItems(ctx context.Context, items []*types.FrontierItem) error

	Close() error
}

// Open selects and initializes a backend from configuration.
func Open(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		return openSQL("sqlite", cfg.Path, cfg)
	case "postgres":
		return openSQL("postgres", cfg.DSN, cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
