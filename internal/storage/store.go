package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"kbcrawl/internal/config"
	"kbcrawl/pkg/types"
)

// sqlStore implements Backend on top of sqlx for both SQLite and Postgres.
// Queries are written with ? placeholders and rebound per dialect.
type sqlStore struct {
	db     *sqlx.DB
	driver string
}

func openSQL(driver, dsn string, cfg config.StorageConfig) (*sqlStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	s := &sqlStore{db: db, driver: driver}
	if driver == "sqlite" {
		// Single writer with WAL keeps SavePage -> GetPage immediately
		// consistent and avoids SQLITE_BUSY under worker concurrency.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("apply %q: %w", pragma, err)
			}
		}
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, stmt := range schemaFor(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

// row wrappers add the JSON-encoded columns the domain types keep as slices.

type siteRow struct {
	types.Site
	SeedsJSON   string `db:"seeds"`
	DomainsJSON string `db:"allowed_domains"`
}

func (r *siteRow) hydrate() (*types.Site, error) {
	site := r.Site
	if err := json.Unmarshal([]byte(r.SeedsJSON), &site.Seeds); err != nil {
		return nil, fmt.Errorf("decode site seeds: %w", err)
	}
	if err := json.Unmarshal([]byte(r.DomainsJSON), &site.AllowedDomains); err != nil {
		return nil, fmt.Errorf("decode site domains: %w", err)
	}
	return &site, nil
}

type runRow struct {
	types.CrawlRun
	SeedsJSON string `db:"seeds"`
	StatsJSON string `db:"stats"`
}

func (r *runRow) hydrate() (*types.CrawlRun, error) {
	run := r.CrawlRun
	if err := json.Unmarshal([]byte(r.SeedsJSON), &run.Seeds); err != nil {
		return nil, fmt.Errorf("decode run seeds: %w", err)
	}
	if err := json.Unmarshal([]byte(r.StatsJSON), &run.Stats); err != nil {
		return nil, fmt.Errorf("decode run stats: %w", err)
	}
	return &run, nil
}

type versionRow struct {
	types.PageVersion
	HeadingsJSON     string `db:"headings"`
	OutlinksJSON     string `db:"outlinks"`
	FetchLatencyMS   int64  `db:"fetch_latency_ms"`
	ExtractLatencyMS int64  `db:"extract_latency_ms"`
}

func (r *versionRow) hydrate() (*types.PageVersion, error) {
	v := r.PageVersion
	if err := json.Unmarshal([]byte(r.HeadingsJSON), &v.Headings); err != nil {
		return nil, fmt.Errorf("decode version headings: %w", err)
	}
	if err := json.Unmarshal([]byte(r.OutlinksJSON), &v.Outlinks); err != nil {
		return nil, fmt.Errorf("decode version outlinks: %w", err)
	}
	v.FetchLatency = time.Duration(r.FetchLatencyMS) * time.Millisecond
	v.ExtractLatency = time.Duration(r.ExtractLatencyMS) * time.Millisecond
	return &v, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func jsonSlice(v []string) string {
	if v == nil {
		v = []string{}
	}
	return mustJSON(v)
}

func (s *sqlStore) SaveSite(ctx context.Context, site *types.Site) error {
	query := s.db.Rebind(`
		INSERT INTO sites (site_id, name, seeds, allowed_domains, allow_subdomains,
		                   created_at, updated_at, last_sync_at, total_runs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (site_id) DO UPDATE SET
		    name = EXCLUDED.name,
		    seeds = EXCLUDED.seeds,
		    allowed_domains = EXCLUDED.allowed_domains,
		    allow_subdomains = EXCLUDED.allow_subdomains,
		    updated_at = EXCLUDED.updated_at,
		    last_sync_at = EXCLUDED.last_sync_at,
		    total_runs = EXCLUDED.total_runs`)
	_, err := s.db.ExecContext(ctx, query,
		site.ID, site.Name, jsonSlice(site.Seeds), jsonSlice(site.AllowedDomains),
		site.AllowSubdomains, site.CreatedAt, site.UpdatedAt, site.LastSyncAt,
		site.TotalRuns)
	if err != nil {
		return fmt.Errorf("save site %s: %w", site.ID, err)
	}
	return nil
}

func (s *sqlStore) GetSite(ctx context.Context, id string) (*types.Site, error) {
	var row siteRow
	query := s.db.Rebind(`SELECT * FROM sites WHERE site_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get site %s: %w", id, err)
	}
	return row.hydrate()
}

func (s *sqlStore) ListSites(ctx context.Context) ([]*types.Site, error) {
	var rows []siteRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM sites ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	sites := make([]*types.Site, 0, len(rows))
	for i := range rows {
		site, err := rows[i].hydrate()
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

func (s *sqlStore) SaveRun(ctx context.Context, run *types.CrawlRun) error {
	query := s.db.Rebind(`
		INSERT INTO runs (run_id, site_id, status, error_message, created_at,
		                  started_at, completed_at, seeds, is_sync, stats,
		                  frontier_size, max_depth_reached, config_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
		    status = EXCLUDED.status,
		    error_message = EXCLUDED.error_message,
		    started_at = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at,
		    stats = EXCLUDED.stats,
		    frontier_size = EXCLUDED.frontier_size,
		    max_depth_reached = EXCLUDED.max_depth_reached`)
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.SiteID, run.Status, run.Error, run.CreatedAt,
		run.StartedAt, run.CompletedAt, jsonSlice(run.Seeds), run.IsSync,
		mustJSON(run.Stats), run.FrontierSize, run.MaxDepthReached,
		run.ConfigSnapshot)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *sqlStore) GetRun(ctx context.Context, id string) (*types.CrawlRun, error) {
	var row runRow
	query := s.db.Rebind(`SELECT * FROM runs WHERE run_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return row.hydrate()
}

func (s *sqlStore) ListRuns(ctx context.Context, siteID string, limit int) ([]*types.CrawlRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	query := s.db.Rebind(`SELECT * FROM runs WHERE site_id = ? ORDER BY created_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, query, siteID, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*types.CrawlRun, 0, len(rows))
	for i := range rows {
		run, err := rows[i].hydrate()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (s *sqlStore) SavePage(ctx context.Context, page *types.Page) error {
	query := s.db.Rebind(`
		INSERT INTO pages (page_id, site_id, url, canonical_url, current_version_id,
		                   content_hash, etag, last_modified, first_seen, last_seen,
		                   last_crawled, last_changed, depth, referrer_url,
		                   status_code, is_tombstone, error_count, last_error,
		                   version_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (page_id) DO UPDATE SET
		    canonical_url = EXCLUDED.canonical_url,
		    current_version_id = EXCLUDED.current_version_id,
		    content_hash = EXCLUDED.content_hash,
		    etag = EXCLUDED.etag,
		    last_modified = EXCLUDED.last_modified,
		    last_seen = EXCLUDED.last_seen,
		    last_crawled = EXCLUDED.last_crawled,
		    last_changed = EXCLUDED.last_changed,
		    depth = EXCLUDED.depth,
		    referrer_url = EXCLUDED.referrer_url,
		    status_code = EXCLUDED.status_code,
		    is_tombstone = EXCLUDED.is_tombstone,
		    error_count = EXCLUDED.error_count,
		    last_error = EXCLUDED.last_error,
		    version_count = EXCLUDED.version_count`)
	_, err := s.db.ExecContext(ctx, query,
		page.ID, page.SiteID, page.URL, page.CanonicalURL, page.CurrentVersionID,
		page.ContentHash, page.ETag, page.LastModified, page.FirstSeen, page.LastSeen,
		page.LastCrawled, page.LastChanged, page.Depth, page.ReferrerURL,
		page.StatusCode, page.IsTombstone, page.ErrorCount, page.LastError,
		page.VersionCount)
	if err != nil {
		return fmt.Errorf("save page %s: %w", page.URL, err)
	}
	return nil
}

func (s *sqlStore) GetPage(ctx context.Context, id string) (*types.Page, error) {
	var page types.Page
	query := s.db.Rebind(`SELECT * FROM pages WHERE page_id = ?`)
	if err := s.db.GetContext(ctx, &page, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get page %s: %w", id, err)
	}
	return &page, nil
}

func (s *sqlStore) GetPageByURL(ctx context.Context, siteID, normalizedURL string) (*types.Page, error) {
	var page types.Page
	query := s.db.Rebind(`SELECT * FROM pages WHERE site_id = ? AND url = ?`)
	if err := s.db.GetContext(ctx, &page, query, siteID, normalizedURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get page by url %s: %w", normalizedURL, err)
	}
	return &page, nil
}

func (s *sqlStore) ListPages(ctx context.Context, siteID string, limit int) ([]*types.Page, error) {
	if limit <= 0 {
		limit = 100
	}
	var pages []*types.Page
	query := s.db.Rebind(`SELECT * FROM pages WHERE site_id = ? ORDER BY url LIMIT ?`)
	if err := s.db.SelectContext(ctx, &pages, query, siteID, limit); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return pages, nil
}

func (s *sqlStore) PagesNeedingRecrawl(ctx context.Context, siteID string, maxAge time.Duration, limit int) ([]*types.Page, error) {
	if limit <= 0 {
		limit = 1000
	}
	var pages []*types.Page
	var err error
	if maxAge <= 0 {
		query := s.db.Rebind(`
			SELECT * FROM pages
			WHERE site_id = ? AND is_tombstone = FALSE
			ORDER BY last_crawled LIMIT ?`)
		err = s.db.SelectContext(ctx, &pages, query, siteID, limit)
	} else {
		cutoff := time.Now().Add(-maxAge)
		query := s.db.Rebind(`
			SELECT * FROM pages
			WHERE site_id = ? AND is_tombstone = FALSE
			  AND (last_crawled IS NULL OR last_crawled < ?)
			ORDER BY last_crawled LIMIT ?`)
		err = s.db.SelectContext(ctx, &pages, query, siteID, cutoff, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("pages needing recrawl: %w", err)
	}
	return pages, nil
}

func (s *sqlStore) CountPages(ctx context.Context, siteID string) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM pages WHERE site_id = ?`)
	if err := s.db.GetContext(ctx, &count, query, siteID); err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return count, nil
}

func (s *sqlStore) SaveVersion(ctx context.Context, v *types.PageVersion) error {
	query := s.db.Rebind(`
		INSERT INTO page_versions (version_id, page_id, site_id, run_id, markdown,
		                           html, content_hash, url, canonical_url, title,
		                           description, content_type, status_code, language,
		                           headings, word_count, char_count, outlinks,
		                           internal_link_count, external_link_count, etag,
		                           last_modified, crawled_at, fetch_latency_ms,
		                           extract_latency_ms, is_tombstone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		v.ID, v.PageID, v.SiteID, v.RunID, v.Markdown,
		v.HTML, v.ContentHash, v.URL, v.CanonicalURL, v.Title,
		v.Description, v.ContentType, v.StatusCode, v.Language,
		mustJSON(v.Headings), v.WordCount, v.CharCount, jsonSlice(v.Outlinks),
		v.InternalLinkCount, v.ExternalLinkCount, v.ETag,
		v.LastModified, v.CrawledAt, v.FetchLatency.Milliseconds(),
		v.ExtractLatency.Milliseconds(), v.IsTombstone)
	if err != nil {
		return fmt.Errorf("save version %s: %w", v.ID, err)
	}
	return nil
}

func (s *sqlStore) GetVersion(ctx context.Context, id string) (*types.PageVersion, error) {
	var row versionRow
	query := s.db.Rebind(`SELECT * FROM page_versions WHERE version_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get version %s: %w", id, err)
	}
	return row.hydrate()
}

func (s *sqlStore) ListVersions(ctx context.Context, pageID string) ([]*types.PageVersion, error) {
	var rows []versionRow
	query := s.db.Rebind(`SELECT * FROM page_versions WHERE page_id = ? ORDER BY crawled_at`)
	if err := s.db.SelectContext(ctx, &rows, query, pageID); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	versions := make([]*types.PageVersion, 0, len(rows))
	for i := range rows {
		v, err := rows[i].hydrate()
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *sqlStore) SaveFrontierItems(ctx context.Context, items []*types.FrontierItem) error {
	if len(items) == 0 {
		return nil
	}
	query := s.db.Rebind(`
		INSERT INTO frontier_items (item_id, run_id, site_id, url, normalized_url,
		                            url_hash, depth, referrer_url, priority, state,
		                            retry_count, last_error, discovered_at,
		                            started_at, completed_at, domain)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (item_id) DO UPDATE SET
		    state = EXCLUDED.state,
		    retry_count = EXCLUDED.retry_count,
		    last_error = EXCLUDED.last_error,
		    started_at = EXCLUDED.started_at,
		    completed_at = EXCLUDED.completed_at`)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin frontier save: %w", err)
	}
	defer tx.Rollback()
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query,
			item.ID, item.RunID, item.SiteID, item.URL, item.NormalizedURL,
			item.URLHash, item.Depth, item.ReferrerURL, item.Priority, item.State,
			item.RetryCount, item.LastError, item.DiscoveredAt,
			item.StartedAt, item.CompletedAt, item.Domain); err != nil {
			return fmt.Errorf("save frontier item %s: %w", item.NormalizedURL, err)
		}
	}
	return tx.Commit()
}
