// Package syncer re-validates previously crawled pages. It prefers cheap
// change signals over full downloads: sitemap lastmod dates rule pages out
// without a request, conditional requests let servers answer 304, and a
// content hash comparison decides the rest.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"kbcrawl/internal/config"
	"kbcrawl/internal/crawler"
	"kbcrawl/internal/extract"
	"kbcrawl/internal/fetcher"
	"kbcrawl/internal/filter"
	"kbcrawl/internal/sitemap"
	"kbcrawl/internal/storage"
	"kbcrawl/pkg/types"
)

// Hooks are optional sync callbacks. Like crawl hooks they are best-effort:
// panics are logged and never fail the page.
type Hooks struct {
	// OnChange fires when a synced page produced a new version.
	OnChange func(page *types.Page, version *types.PageVersion)
	// OnDeletion fires when a page crosses the deletion threshold.
	OnDeletion func(page *types.Page)
	// Redact rewrites content before it is stored.
	Redact func(markdown, html string) (string, string)
}

// Deps lets callers inject pre-built collaborators. Nil fields are
// constructed from configuration.
type Deps struct {
	Storage  storage.Backend
	Fetcher  fetcher.Fetcher
	Sitemaps *sitemap.Parser
	Logger   *slog.Logger
	Hooks    Hooks
}

// Job executes one sync run over a previously crawled site.
type Job struct {
	cfg    config.Config
	logger *slog.Logger

	store     storage.Backend
	ownsStore bool
	fetch     fetcher.Fetcher
	sitemaps  *sitemap.Parser
	detector  *ChangeDetector
	extractor *extract.Extractor
	norm      *filter.Normalizer
	hooks     Hooks

	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
	strategies map[string]struct{}

	site  *types.Site
	run   *types.CrawlRun
	stats types.CrawlStats
}

// New assembles a sync job from configuration plus optional injected
// dependencies.
func New(cfg config.Config, deps Deps) (*Job, error) {
	logger := deps.Logger
	if logger == nil {
		var err error
		logger, err = crawler.BuildLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	detector, err := NewChangeDetector(cfg.Sync.NormalizeForHash, cfg.Sync.HashNoisePatterns)
	if err != nil {
		return nil, err
	}
	include, err := compilePatterns(cfg.Sync.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	exclude, err := compilePatterns(cfg.Sync.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}

	norm := filter.NewNormalizer(cfg.Crawl.BlockedQueryParams)
	job := &Job{
		cfg:       cfg,
		logger:    logger,
		detector:  detector,
		extractor: extract.New(norm),
		norm:      norm,
		hooks:     deps.Hooks,
		include:   include,
		exclude:   exclude,
		strategies: func() map[string]struct{} {
			set := make(map[string]struct{}, len(cfg.Sync.Strategies))
			for _, s := range cfg.Sync.Strategies {
				set[s] = struct{}{}
			}
			return set
		}(),
		stats: types.CrawlStats{
			StatusCodes:  make(map[int]int),
			ErrorsByType: make(map[string]int),
		},
	}

	job.store = deps.Storage
	if job.store == nil {
		backend, err := storage.Open(cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		job.store = backend
		job.ownsStore = true
	}

	var httpFetcher *fetcher.HTTPFetcher
	job.fetch = deps.Fetcher
	if job.fetch == nil {
		httpFetcher, err = fetcher.NewHTTPFetcher(fetcher.Options{
			UserAgent:    cfg.Crawl.UserAgent,
			Headers:      cfg.Crawl.Headers,
			Timeout:      cfg.Crawl.RequestTimeout.Duration,
			MaxBodyBytes: cfg.Crawl.MaxBodyBytes,
			ProxyURL:     cfg.Crawl.ProxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("http fetcher: %w", err)
		}
		job.fetch = httpFetcher
	}

	job.sitemaps = deps.Sitemaps
	if job.sitemaps == nil {
		job.sitemaps = sitemap.NewParser(httpFetcher.Client(), cfg.Crawl.UserAgent, logger)
	}

	return job, nil
}

// Close releases resources the job owns. Injected backends are left open.
func (j *Job) Close() error {
	if j.ownsStore && j.store != nil {
		return j.store.Close()
	}
	return nil
}

func (j *Job) strategy(name string) bool {
	_, ok := j.strategies[name]
	return ok
}

// Run re-validates stale pages and returns the sync run record.
func (j *Job) Run(ctx context.Context) (*types.CrawlRun, error) {
	siteID := j.cfg.Site.ID
	if siteID == "" {
		siteID = storage.DeriveSiteID(j.cfg.Crawl.Seeds)
	}
	site, err := j.store.GetSite(ctx, siteID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("site %s has never been crawled", siteID)
	}
	if err != nil {
		return nil, fmt.Errorf("load site: %w", err)
	}
	j.site = site

	j.run = &types.CrawlRun{
		ID:        uuid.NewString(),
		SiteID:    site.ID,
		Status:    types.RunPending,
		CreatedAt: time.Now(),
		Seeds:     site.Seeds,
		IsSync:    true,
	}
	if err := j.store.SaveRun(ctx, j.run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	j.run.MarkStarted()
	if err := j.store.SaveRun(ctx, j.run); err != nil {
		return j.run, fmt.Errorf("save run: %w", err)
	}

	candidates, err := j.store.PagesNeedingRecrawl(ctx, site.ID,
		j.cfg.Sync.MaxAge.Duration, j.cfg.Sync.MaxPages)
	if err != nil {
		j.run.MarkFailed(err.Error())
		_ = j.store.SaveRun(ctx, j.run)
		return j.run, fmt.Errorf("select candidates: %w", err)
	}
	candidates = j.filterCandidates(candidates)
	j.stats.PagesDiscovered = len(candidates)

	lastmods := j.sitemapLastmods(ctx)

	j.logger.Info("sync started",
		"run_id", j.run.ID, "site_id", site.ID,
		"candidates", len(candidates), "sitemap_entries", len(lastmods))

	var syncErr error
	for _, page := range candidates {
		if ctx.Err() != nil {
			break
		}
		// A broken backend fails the whole run; per-page isolation only
		// covers fetch and extract errors.
		if err := j.syncPage(ctx, page, lastmods); err != nil {
			syncErr = err
			break
		}
	}

	if err := j.finalize(ctx, syncErr); err != nil {
		return j.run, err
	}
	return j.run, syncErr
}

// sitemapLastmods builds a normalized URL to lastmod index from the site's
// sitemaps. A nil map disables the pre-filter, which fails toward fetching.
func (j *Job) sitemapLastmods(ctx context.Context) map[string]*time.Time {
	if !j.strategy("sitemap") || !j.cfg.Sync.RespectSitemapLastmod {
		return nil
	}
	urls := j.cfg.Sync.SitemapURLs
	if len(urls) == 0 && len(j.site.Seeds) > 0 {
		urls = j.sitemaps.Discover(ctx, j.site.Seeds[0])
	}
	if len(urls) == 0 {
		return nil
	}
	entries, err := j.sitemaps.FetchAll(ctx, urls)
	if err != nil {
		j.logger.Warn("sitemap fetch failed, falling back to per-page checks", "error", err)
		return nil
	}
	out := make(map[string]*time.Time, len(entries))
	for _, e := range entries {
		out[j.norm.Normalize(e.Loc)] = e.LastMod
	}
	return out
}

// syncPage re-validates one page. The returned error is non-nil only for
// storage failures, which abort the run.
func (j *Job) syncPage(ctx context.Context, page *types.Page, lastmods map[string]*time.Time) error {
	log := j.logger.With("url", page.URL)

	if lastmods != nil && page.LastCrawled != nil {
		if lastmod, ok := lastmods[page.URL]; ok && lastmod != nil && !lastmod.After(*page.LastCrawled) {
			j.stats.PagesUnchanged++
			log.Debug("sitemap lastmod predates last crawl, skipping fetch")
			return nil
		}
	}

	req := fetcher.Request{URL: page.URL}
	if j.strategy("headers") {
		if j.cfg.Sync.UseETag {
			req.ETag = page.ETag
		}
		if j.cfg.Sync.UseLastModified {
			req.LastModified = page.LastModified
		}
	}

	res, err := j.fetch.Fetch(ctx, req)
	if res != nil {
		j.stats.TotalFetchTime += res.Latency
		j.stats.BytesDownloaded += int64(len(res.Body))
		if res.StatusCode > 0 {
			j.stats.StatusCodes[res.StatusCode]++
		}
	}
	if err != nil {
		j.stats.PagesFailed++
		j.stats.ErrorsByType["transport"]++
		page.LastError = err.Error()
		if saveErr := j.store.SavePage(ctx, page); saveErr != nil {
			return fmt.Errorf("save page: %w", saveErr)
		}
		log.Warn("sync fetch failed", "error", err)
		return nil
	}

	now := time.Now()
	switch res.Status {
	case fetcher.StatusNotModified:
		page.LastSeen = now
		page.LastCrawled = &now
		page.ErrorCount = 0
		page.LastError = ""
		if err := j.store.SavePage(ctx, page); err != nil {
			return fmt.Errorf("save page: %w", err)
		}
		j.stats.PagesUnchanged++
		log.Debug("not modified")
		return nil
	case fetcher.StatusNotFound:
		return j.handleNotFound(ctx, page, res, log)
	case fetcher.StatusSuccess:
		return j.handleContent(ctx, page, res, log)
	default:
		j.stats.PagesFailed++
		j.stats.ErrorsByType[fmt.Sprintf("http_%d", res.StatusCode)]++
		page.LastError = fmt.Sprintf("status %d", res.StatusCode)
		if err := j.store.SavePage(ctx, page); err != nil {
			return fmt.Errorf("save page: %w", err)
		}
		log.Warn("sync fetch returned unexpected status", "status_code", res.StatusCode)
		return nil
	}
}

// handleContent compares the fetched content hash against the stored one and
// writes a new version only when it moved. Storage errors abort the run.
func (j *Job) handleContent(ctx context.Context, page *types.Page, res *fetcher.Result, log *slog.Logger) error {
	ex, err := j.extractor.Extract(res.FinalURL, res.Body)
	if err != nil {
		j.stats.PagesFailed++
		j.stats.ErrorsByType["extract"]++
		log.Warn("extract failed", "error", err)
		return nil
	}
	j.stats.TotalExtractTime += ex.Latency
	hash := j.detector.Hash(ex.Text)

	now := time.Now()
	page.LastSeen = now
	page.LastCrawled = &now
	page.StatusCode = res.StatusCode
	page.ETag = res.ETag
	page.LastModified = res.LastModified
	page.IsTombstone = false
	page.ErrorCount = 0
	page.LastError = ""

	if hash == page.ContentHash {
		if err := j.store.SavePage(ctx, page); err != nil {
			j.stats.PagesFailed++
			j.stats.ErrorsByType["storage"]++
			return fmt.Errorf("save page: %w", err)
		}
		j.stats.PagesCrawled++
		j.stats.PagesUnchanged++
		log.Debug("content unchanged")
		return nil
	}

	markdown, html := j.redact(ex.Markdown, ex.HTML)
	version := &types.PageVersion{
		ID:                uuid.NewString(),
		PageID:            page.ID,
		SiteID:            page.SiteID,
		RunID:             j.run.ID,
		Markdown:          markdown,
		HTML:              html,
		ContentHash:       hash,
		URL:               page.URL,
		CanonicalURL:      ex.CanonicalURL,
		Title:             ex.Title,
		Description:       ex.Description,
		ContentType:       res.ContentType,
		StatusCode:        res.StatusCode,
		Language:          ex.Language,
		Headings:          ex.Headings,
		WordCount:         ex.WordCount,
		CharCount:         ex.CharCount,
		Outlinks:          ex.Outlinks,
		InternalLinkCount: len(ex.InternalLinks),
		ExternalLinkCount: len(ex.ExternalLinks),
		ETag:              res.ETag,
		LastModified:      res.LastModified,
		CrawledAt:         now,
		FetchLatency:      res.Latency,
		ExtractLatency:    ex.Latency,
	}
	if err := j.store.SaveVersion(ctx, version); err != nil {
		j.stats.PagesFailed++
		j.stats.ErrorsByType["storage"]++
		return fmt.Errorf("save version: %w", err)
	}
	page.CurrentVersionID = version.ID
	page.ContentHash = hash
	page.CanonicalURL = ex.CanonicalURL
	page.LastChanged = &now
	page.VersionCount++
	if err := j.store.SavePage(ctx, page); err != nil {
		j.stats.PagesFailed++
		j.stats.ErrorsByType["storage"]++
		return fmt.Errorf("save page: %w", err)
	}
	j.stats.PagesCrawled++
	j.stats.PagesChanged++
	j.safeCall("on_change", func() {
		if j.hooks.OnChange != nil {
			j.hooks.OnChange(page, version)
		}
	})
	log.Info("page changed", "versions", page.VersionCount)
	return nil
}

// handleNotFound counts the miss toward the deletion threshold and
// tombstones the page once it is crossed. Storage errors abort the run.
func (j *Job) handleNotFound(ctx context.Context, page *types.Page, res *fetcher.Result, log *slog.Logger) error {
	now := time.Now()
	page.LastSeen = now
	page.LastCrawled = &now
	page.StatusCode = res.StatusCode
	page.ErrorCount++
	page.LastError = fmt.Sprintf("status %d", res.StatusCode)

	if j.cfg.Sync.DetectDeletions && !page.IsTombstone &&
		page.ErrorCount >= j.cfg.Sync.DeletionThreshold {
		version := &types.PageVersion{
			ID:          uuid.NewString(),
			PageID:      page.ID,
			SiteID:      page.SiteID,
			RunID:       j.run.ID,
			URL:         page.URL,
			StatusCode:  res.StatusCode,
			CrawledAt:   now,
			IsTombstone: true,
		}
		if err := j.store.SaveVersion(ctx, version); err != nil {
			j.stats.PagesFailed++
			j.stats.ErrorsByType["storage"]++
			return fmt.Errorf("save tombstone version: %w", err)
		}
		page.IsTombstone = true
		page.CurrentVersionID = version.ID
		page.LastChanged = &now
		page.VersionCount++
		j.stats.PagesDeleted++
		j.safeCall("on_deletion", func() {
			if j.hooks.OnDeletion != nil {
				j.hooks.OnDeletion(page)
			}
		})
		log.Info("page tombstoned", "error_count", page.ErrorCount)
	}

	if err := j.store.SavePage(ctx, page); err != nil {
		j.stats.PagesFailed++
		j.stats.ErrorsByType["storage"]++
		return fmt.Errorf("save page: %w", err)
	}
	j.stats.PagesFailed++
	j.stats.ErrorsByType["not_found"]++
	return nil
}

// finalize persists the run outcome and the site's sync timestamp. It uses a
// fresh context when the sync context was cancelled so bookkeeping still
// lands.
func (j *Job) finalize(ctx context.Context, syncErr error) error {
	cancelled := ctx.Err() != nil
	if cancelled {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	j.run.Stats = j.stats
	switch {
	case cancelled:
		now := time.Now()
		j.run.Status = types.RunCancelled
		j.run.CompletedAt = &now
	case syncErr != nil:
		j.run.MarkFailed(syncErr.Error())
	default:
		j.run.MarkCompleted(j.stats.PagesFailed > 0)
	}

	var errs []error
	if err := j.store.SaveRun(ctx, j.run); err != nil {
		errs = append(errs, fmt.Errorf("save run: %w", err))
	}
	now := time.Now()
	j.site.LastSyncAt = &now
	j.site.UpdatedAt = now
	if err := j.store.SaveSite(ctx, j.site); err != nil {
		errs = append(errs, fmt.Errorf("save site: %w", err))
	}

	j.logger.Info("sync finished",
		"run_id", j.run.ID,
		"status", j.run.Status,
		"unchanged", j.stats.PagesUnchanged,
		"changed", j.stats.PagesChanged,
		"deleted", j.stats.PagesDeleted,
		"failed", j.stats.PagesFailed)
	return errors.Join(errs...)
}

func (j *Job) filterCandidates(pages []*types.Page) []*types.Page {
	if len(j.include) == 0 && len(j.exclude) == 0 {
		return pages
	}
	out := pages[:0]
	for _, p := range pages {
		if matchAny(j.exclude, p.URL) {
			continue
		}
		if len(j.include) > 0 && !matchAny(j.include, p.URL) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (j *Job) redact(markdown, html string) (string, string) {
	if j.hooks.Redact == nil {
		return markdown, html
	}
	outMD, outHTML := markdown, html
	j.safeCall("redact", func() { outMD, outHTML = j.hooks.Redact(markdown, html) })
	return outMD, outHTML
}

func (j *Job) safeCall(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
