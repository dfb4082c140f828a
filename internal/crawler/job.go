// Package crawler orchestrates crawl runs: it wires the frontier, scheduler,
// fetcher, extractor, and quality gates together and persists pages, content
// versions, and run records through the configured storage backend.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"kbcrawl/internal/config"
	"kbcrawl/internal/extract"
	"kbcrawl/internal/fetcher"
	"kbcrawl/internal/filter"
	"kbcrawl/internal/frontier"
	"kbcrawl/internal/quality"
	"kbcrawl/internal/robots"
	"kbcrawl/internal/schedule"
	"kbcrawl/internal/storage"
	"kbcrawl/pkg/types"
)

// circuitBackoff is how long the batch loop waits when every item in a batch
// bounced off an open circuit before polling the frontier again.
const circuitBackoff = time.Second

// Deps lets callers inject pre-built collaborators, mainly for tests and for
// sharing a storage backend across jobs. Nil fields are constructed from
// configuration.
type Deps struct {
	Storage storage.Backend
	Fetcher fetcher.Fetcher
	Robots  *robots.Agent
	Logger  *slog.Logger
	Hooks   Hooks
}

// Job executes one crawl run.
type Job struct {
	cfg    config.Config
	logger *slog.Logger

	store     storage.Backend
	ownsStore bool
	fetch     fetcher.Fetcher
	robots    *robots.Agent
	sched     *schedule.Scheduler
	norm      *filter.Normalizer
	links     *filter.LinkFilter
	extractor *extract.Extractor
	gate      *quality.Gate
	hooks     *safeHooks
	stats     *statsCollector

	frontier *frontier.Frontier
	site     *types.Site
	run      *types.CrawlRun
}

// outcome distinguishes items that finished (in any terminal state) from
// items the scheduler bounced back to the queue.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeRequeued
)

// New assembles a crawl job from configuration plus optional injected
// dependencies.
func New(cfg config.Config, deps Deps) (*Job, error) {
	if len(cfg.Crawl.Seeds) == 0 {
		return nil, errors.New("no seed urls configured")
	}

	logger := deps.Logger
	if logger == nil {
		var err error
		logger, err = BuildLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
	}

	norm := filter.NewNormalizer(cfg.Crawl.BlockedQueryParams)
	links, err := filter.NewLinkFilter(filter.Options{
		AllowedSchemes:      cfg.Crawl.AllowedSchemes,
		AllowedDomains:      cfg.Crawl.AllowedDomains,
		AllowSubdomains:     cfg.Crawl.AllowSubdomains,
		AllowedPathPrefixes: cfg.Crawl.AllowedPathPrefixes,
		BlockedExtensions:   cfg.Crawl.BlockedExtensions,
		IncludePatterns:     cfg.Crawl.IncludePatterns,
		ExcludePatterns:     cfg.Crawl.ExcludePatterns,
		MaxDepth:            cfg.Crawl.MaxDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("link filter: %w", err)
	}

	gate, err := quality.New(quality.Options{
		MinTextLength:    cfg.Quality.MinTextLength,
		MinWordCount:     cfg.Quality.MinWordCount,
		BlockPatterns:    cfg.Quality.BlockPatterns,
		DetectLanguage:   cfg.Quality.DetectLanguage,
		AllowedLanguages: cfg.Quality.AllowedLanguages,
	})
	if err != nil {
		return nil, fmt.Errorf("quality gate: %w", err)
	}

	job := &Job{
		cfg:       cfg,
		logger:    logger,
		norm:      norm,
		links:     links,
		extractor: extract.New(norm),
		gate:      gate,
		hooks:     newSafeHooks(deps.Hooks, logger),
		stats:     newStatsCollector(),
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
		var renderer fetcher.Fetcher
		if cfg.Rendering.Enabled {
			renderer = fetcher.NewChromedpRenderer(fetcher.RenderOptions{
				Timeout:            cfg.Rendering.Timeout.Duration,
				WaitForSelector:    cfg.Rendering.WaitForSelector,
				UserAgent:          cfg.Crawl.UserAgent,
				MaxBodyBytes:       cfg.Crawl.MaxBodyBytes,
				DisableHeadless:    cfg.Rendering.DisableHeadless,
				ConcurrentSessions: cfg.Rendering.ConcurrentSessions,
			}, logger)
		}
		job.fetch = fetcher.NewHybrid(httpFetcher, renderer, fetcher.EscalationPolicy{
			MinTextBytes: cfg.Rendering.MinTextBytes,
			Markers:      cfg.Rendering.Markers,
		}, logger)
	}

	job.robots = deps.Robots
	if job.robots == nil {
		job.robots = robots.NewAgent(robots.Options{
			Mode:      robots.Mode(cfg.Robots.Mode),
			Allowlist: cfg.Robots.Allowlist,
			UserAgent: cfg.Robots.UserAgent,
			CacheTTL:  cfg.Robots.CacheTTL.Duration,
		}, httpFetcher.Client())
	}

	job.sched = schedule.New(schedule.Config{
		GlobalConcurrency:    cfg.Limits.Concurrency,
		PerDomainConcurrency: cfg.Limits.PerDomainConcurrency,
		GlobalRPS:            cfg.Limits.RequestsPerSecond,
		PerDomainRPS:         cfg.Limits.PerDomainRPS,
		Delay:                cfg.Limits.Delay.Duration,
		FailureThreshold:     cfg.Limits.CircuitFailureThreshold,
		Cooldown:             cfg.Limits.CircuitCooldown.Duration,
	}, logger)

	return job, nil
}

// Close releases resources the job owns. Injected backends are left open.
func (j *Job) Close() error {
	if j.ownsStore && j.store != nil {
		return j.store.Close()
	}
	return nil
}

// Run executes the crawl to completion or cancellation and returns the run
// record. The run record is persisted even when the context is cancelled.
func (j *Job) Run(ctx context.Context) (*types.CrawlRun, error) {
	site, err := storage.EnsureSite(ctx, j.store, j.cfg.Site.ID, j.cfg.Site.Name,
		j.cfg.Crawl.Seeds, j.cfg.Crawl.AllowedDomains, j.cfg.Crawl.AllowSubdomains)
	if err != nil {
		return nil, fmt.Errorf("ensure site: %w", err)
	}
	j.site = site

	snapshot, _ := yaml.Marshal(j.cfg)
	j.run = &types.CrawlRun{
		ID:             uuid.NewString(),
		SiteID:         site.ID,
		Status:         types.RunPending,
		CreatedAt:      time.Now(),
		Seeds:          j.cfg.Crawl.Seeds,
		ConfigSnapshot: string(snapshot),
	}
	if err := j.store.SaveRun(ctx, j.run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	j.frontier = frontier.New(frontier.Config{
		RunID:      j.run.ID,
		SiteID:     site.ID,
		MaxDepth:   j.cfg.Crawl.MaxDepth,
		MaxPages:   j.cfg.Crawl.MaxPages,
		Normalizer: j.norm,
	})
	if added := j.frontier.AddSeeds(j.cfg.Crawl.Seeds); added == 0 {
		j.run.MarkFailed("no seed urls were accepted")
		if saveErr := j.store.SaveRun(ctx, j.run); saveErr != nil {
			return j.run, saveErr
		}
		return j.run, errors.New("no seed urls were accepted")
	}

	j.run.MarkStarted()
	if err := j.store.SaveRun(ctx, j.run); err != nil {
		return j.run, fmt.Errorf("save run: %w", err)
	}

	pool, err := newWorkerPool(ctx, j.cfg.Limits.Concurrency, j.cfg.Limits.Concurrency*2)
	if err != nil {
		j.run.MarkFailed(err.Error())
		_ = j.store.SaveRun(ctx, j.run)
		return j.run, err
	}
	defer pool.close()

	j.logger.Info("crawl started",
		"run_id", j.run.ID, "site_id", site.ID, "seeds", len(j.cfg.Crawl.Seeds))

	crawlErr := j.loop(ctx, pool)
	if err := j.finalize(ctx, crawlErr); err != nil {
		return j.run, err
	}
	return j.run, crawlErr
}

// loop drains the frontier batch by batch until it is empty or the context
// is cancelled.
func (j *Job) loop(ctx context.Context, pool *workerPool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := j.frontier.GetBatch(j.cfg.Limits.Concurrency)
		if len(batch) == 0 {
			if j.frontier.IsEmpty() {
				return nil
			}
			// Batches are processed synchronously, so pending-but-unpoppable
			// items cannot exist. Guard against it anyway.
			return nil
		}

		var (
			requeued atomic.Int32
			mu       sync.Mutex
			fatal    error
		)
		tasks := make([]task, 0, len(batch))
		for _, item := range batch {
			item := item
			tasks = append(tasks, func(taskCtx context.Context) {
				out, err := j.processItem(taskCtx, item)
				if err != nil {
					mu.Lock()
					if fatal == nil {
						fatal = err
					}
					mu.Unlock()
				}
				if out == outcomeRequeued {
					requeued.Add(1)
				}
			})
		}
		if err := pool.runBatch(ctx, tasks); err != nil {
			return err
		}
		// A broken backend fails the whole run; per-page isolation only
		// covers fetch and extract errors.
		if fatal != nil {
			return fatal
		}

		// A batch refused wholesale by open circuits would otherwise spin on
		// the same items.
		if int(requeued.Load()) == len(batch) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(circuitBackoff):
			}
		}
	}
}

// processItem runs the full pipeline for one frontier item. The returned
// error is non-nil only for storage failures, which abort the run.
func (j *Job) processItem(ctx context.Context, item *types.FrontierItem) (outcome, error) {
	log := j.logger.With("url", item.NormalizedURL, "depth", item.Depth)

	if !j.robots.Allowed(ctx, item.NormalizedURL) {
		log.Debug("robots disallowed")
		j.frontier.MarkSkipped(item.NormalizedURL, "robots disallowed")
		j.stats.recordSkipped()
		return outcomeDone, nil
	}

	ok, err := j.sched.Acquire(ctx, item.Domain)
	if err != nil || !ok {
		j.frontier.ReturnToQueue(item.NormalizedURL)
		return outcomeRequeued, nil
	}
	defer j.sched.Release(item.Domain)

	res, err := j.fetch.Fetch(ctx, fetcher.Request{URL: item.NormalizedURL})
	if res != nil {
		j.stats.recordFetch(res.StatusCode, int64(len(res.Body)), res.Latency)
	}
	if err != nil {
		j.sched.ReportFailure(item.Domain)
		errType := "transport"
		if res != nil && res.Status == fetcher.StatusTimeout {
			errType = "timeout"
		}
		if j.frontier.MarkFailed(item.NormalizedURL, err.Error()) {
			j.stats.recordFailed(errType)
		}
		j.hooks.onError(item.NormalizedURL, err)
		log.Warn("fetch failed", "error", err)
		return outcomeDone, nil
	}

	switch res.Status {
	case fetcher.StatusSuccess:
		j.sched.ReportSuccess(item.Domain)
		return outcomeDone, j.handleSuccess(ctx, item, res, log)
	case fetcher.StatusNotFound:
		// The server answered; only transport and 5xx failures feed the
		// circuit breaker.
		j.sched.ReportSuccess(item.Domain)
		return outcomeDone, j.handleNotFound(ctx, item, res, log)
	default:
		if res.StatusCode >= 500 {
			j.sched.ReportFailure(item.Domain)
		} else {
			j.sched.ReportSuccess(item.Domain)
		}
		statusErr := fmt.Errorf("unexpected status %d", res.StatusCode)
		if j.frontier.MarkFailed(item.NormalizedURL, statusErr.Error()) {
			j.stats.recordFailed(fmt.Sprintf("http_%d", res.StatusCode))
		}
		j.hooks.onError(item.NormalizedURL, statusErr)
		log.Warn("fetch returned unexpected status", "status_code", res.StatusCode)
	}
	return outcomeDone, nil
}

func (j *Job) handleSuccess(ctx context.Context, item *types.FrontierItem, res *fetcher.Result, log *slog.Logger) error {
	ex, err := j.extractor.Extract(res.FinalURL, res.Body)
	if err != nil {
		if j.frontier.MarkFailed(item.NormalizedURL, err.Error()) {
			j.stats.recordFailed("extract")
		}
		j.hooks.onError(item.NormalizedURL, err)
		log.Warn("extract failed", "error", err)
		return nil
	}
	j.stats.recordExtract(ex.Latency)

	if q := j.gate.CheckAll(item.NormalizedURL, ex.Text, ex.Language, ex.ContentHash); !q.Passed {
		log.Debug("quality gate rejected page", "issue", q.Issue, "detail", q.Detail)
		j.frontier.MarkSkipped(item.NormalizedURL, string(q.Issue))
		j.stats.recordSkipped()
		return nil
	}

	page, version, changed, err := j.persist(ctx, item, res, ex)
	if err != nil {
		j.frontier.MarkGone(item.NormalizedURL, err.Error())
		j.stats.recordFailed("storage")
		j.hooks.onError(item.NormalizedURL, err)
		log.Error("persist failed", "error", err)
		return err
	}

	j.enqueueLinks(item, ex)

	j.frontier.MarkCompleted(item.NormalizedURL)
	j.stats.recordCrawled()
	switch {
	case changed && page.VersionCount == 1:
		j.stats.recordNew()
		j.hooks.onChange(page, version)
	case changed:
		j.stats.recordChanged()
		j.hooks.onChange(page, version)
	default:
		j.stats.recordUnchanged()
	}
	j.hooks.onPage(page, version)
	log.Debug("page crawled", "changed", changed, "internal_links", len(ex.InternalLinks))
	return nil
}

// persist updates the page record and, when the content hash moved, writes a
// new immutable version. Returns whether the content changed.
func (j *Job) persist(ctx context.Context, item *types.FrontierItem, res *fetcher.Result, ex *extract.Extraction) (*types.Page, *types.PageVersion, bool, error) {
	now := time.Now()

	page, err := j.store.GetPageByURL(ctx, j.site.ID, item.NormalizedURL)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		page = &types.Page{
			ID:          frontier.URLHash(item.NormalizedURL),
			SiteID:      j.site.ID,
			URL:         item.NormalizedURL,
			FirstSeen:   now,
			Depth:       item.Depth,
			ReferrerURL: item.ReferrerURL,
		}
	case err != nil:
		return nil, nil, false, fmt.Errorf("load page: %w", err)
	default:
		if item.Depth < page.Depth {
			page.Depth = item.Depth
			page.ReferrerURL = item.ReferrerURL
		}
	}

	page.LastSeen = now
	page.LastCrawled = &now
	page.StatusCode = res.StatusCode
	page.ETag = res.ETag
	page.LastModified = res.LastModified
	page.IsTombstone = false
	page.ErrorCount = 0
	page.LastError = ""

	changed := page.ContentHash != ex.ContentHash
	var version *types.PageVersion
	if changed {
		markdown, html := j.hooks.redact(ex.Markdown, ex.HTML)
		version = &types.PageVersion{
			ID:                uuid.NewString(),
			PageID:            page.ID,
			SiteID:            j.site.ID,
			RunID:             j.run.ID,
			Markdown:          markdown,
			HTML:              html,
			ContentHash:       ex.ContentHash,
			URL:               item.NormalizedURL,
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
			return nil, nil, false, fmt.Errorf("save version: %w", err)
		}
		page.CurrentVersionID = version.ID
		page.ContentHash = ex.ContentHash
		page.CanonicalURL = ex.CanonicalURL
		page.LastChanged = &now
		page.VersionCount++
	}

	if err := j.store.SavePage(ctx, page); err != nil {
		return nil, nil, false, fmt.Errorf("save page: %w", err)
	}
	return page, version, changed, nil
}

// handleNotFound counts a 404/410 toward the deletion threshold for pages we
// have stored before; unknown URLs just fail their frontier item. Storage
// errors abort the run.
func (j *Job) handleNotFound(ctx context.Context, item *types.FrontierItem, res *fetcher.Result, log *slog.Logger) error {
	statusMsg := fmt.Sprintf("status %d", res.StatusCode)

	page, err := j.store.GetPageByURL(ctx, j.site.ID, item.NormalizedURL)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		j.stats.recordFailed("not_found")
		j.frontier.MarkGone(item.NormalizedURL, statusMsg)
		return nil
	case err != nil:
		j.stats.recordFailed("storage")
		j.frontier.MarkGone(item.NormalizedURL, err.Error())
		return fmt.Errorf("load page: %w", err)
	}

	now := time.Now()
	page.LastSeen = now
	page.LastCrawled = &now
	page.StatusCode = res.StatusCode
	page.ErrorCount++
	page.LastError = statusMsg

	if j.cfg.Sync.DetectDeletions && !page.IsTombstone &&
		page.ErrorCount >= j.cfg.Sync.DeletionThreshold {
		if err := j.tombstone(ctx, page, res.StatusCode, log); err != nil {
			j.stats.recordFailed("storage")
			j.frontier.MarkGone(item.NormalizedURL, err.Error())
			return err
		}
	}
	if err := j.store.SavePage(ctx, page); err != nil {
		j.stats.recordFailed("storage")
		j.frontier.MarkGone(item.NormalizedURL, err.Error())
		return fmt.Errorf("save page: %w", err)
	}
	j.stats.recordFailed("not_found")
	j.frontier.MarkGone(item.NormalizedURL, statusMsg)
	return nil
}

// tombstone records a confirmed deletion as an immutable version and flags
// the page.
func (j *Job) tombstone(ctx context.Context, page *types.Page, statusCode int, log *slog.Logger) error {
	now := time.Now()
	version := &types.PageVersion{
		ID:          uuid.NewString(),
		PageID:      page.ID,
		SiteID:      page.SiteID,
		RunID:       j.run.ID,
		URL:         page.URL,
		StatusCode:  statusCode,
		CrawledAt:   now,
		IsTombstone: true,
	}
	if err := j.store.SaveVersion(ctx, version); err != nil {
		return fmt.Errorf("save tombstone version: %w", err)
	}
	page.IsTombstone = true
	page.CurrentVersionID = version.ID
	page.LastChanged = &now
	page.VersionCount++
	j.stats.recordDeleted()
	j.hooks.onDeletion(page)
	log.Info("page tombstoned", "url", page.URL, "error_count", page.ErrorCount)
	return nil
}

func (j *Job) enqueueLinks(item *types.FrontierItem, ex *extract.Extraction) {
	depth := item.Depth + 1
	for _, link := range ex.InternalLinks {
		if verdict := j.links.Check(link, depth); verdict.Allowed {
			j.frontier.Add(link, item.NormalizedURL, depth)
		}
	}
}

// finalize persists the run outcome. It uses a fresh context when the crawl
// context was cancelled so bookkeeping still lands.
func (j *Job) finalize(ctx context.Context, crawlErr error) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
	}

	fstats := j.frontier.Stats()
	j.run.Stats = j.stats.snapshot(fstats.Discovered)
	j.run.FrontierSize = fstats.Discovered
	j.run.MaxDepthReached = fstats.MaxDepth

	switch {
	case errors.Is(crawlErr, context.Canceled) || errors.Is(crawlErr, context.DeadlineExceeded):
		now := time.Now()
		j.run.Status = types.RunCancelled
		j.run.CompletedAt = &now
	case crawlErr != nil:
		j.run.MarkFailed(crawlErr.Error())
	default:
		j.run.MarkCompleted(j.run.Stats.PagesFailed > 0)
	}

	var errs []error
	if err := j.store.SaveFrontierItems(ctx, j.frontier.Items()); err != nil {
		errs = append(errs, fmt.Errorf("save frontier: %w", err))
	}
	if err := j.store.SaveRun(ctx, j.run); err != nil {
		errs = append(errs, fmt.Errorf("save run: %w", err))
	}
	j.site.TotalRuns++
	j.site.UpdatedAt = time.Now()
	if err := j.store.SaveSite(ctx, j.site); err != nil {
		errs = append(errs, fmt.Errorf("save site: %w", err))
	}

	j.logger.Info("crawl finished",
		"run_id", j.run.ID,
		"status", j.run.Status,
		"crawled", j.run.Stats.PagesCrawled,
		"failed", j.run.Stats.PagesFailed,
		"changed", j.run.Stats.PagesChanged,
		"duration", j.run.Duration())
	return errors.Join(errs...)
}
