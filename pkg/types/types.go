// Package types holds the knowledge-base data model shared across the
// crawler, sync engine, and storage backends.
package types

import "time"

// RunStatus tracks the lifecycle of a crawl or sync run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	// RunPartial means the run finished but some pages failed.
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// FrontierState is the lifecycle state of a frontier item. States progress
// monotonically: pending -> in_progress -> completed/failed.
type FrontierState string

const (
	FrontierPending    FrontierState = "pending"
	FrontierInProgress FrontierState = "in_progress"
	FrontierCompleted  FrontierState = "completed"
	FrontierFailed     FrontierState = "failed"
	FrontierSkipped    FrontierState = "skipped"
)

// Site is the registry record for a crawled site. Its ID is derived from the
// seed URLs so repeated crawls of the same site share one record.
type Site struct {
	ID              string     `db:"site_id"`
	Name            string     `db:"name"`
	Seeds           []string   `db:"-"`
	AllowedDomains  []string   `db:"-"`
	AllowSubdomains bool       `db:"allow_subdomains"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	LastSyncAt      *time.Time `db:"last_sync_at"`
	TotalRuns       int        `db:"total_runs"`
}

// Page is the current-state record for a URL. It points at the current
// version and carries the freshness data the sync engine needs to decide
// how (or whether) to re-validate the page.
type Page struct {
	ID           string `db:"page_id"` // hash of the normalized URL
	SiteID       string `db:"site_id"`
	URL          string `db:"url"` // normalized
	CanonicalURL string `db:"canonical_url"`

	CurrentVersionID string `db:"current_version_id"`
	ContentHash      string `db:"content_hash"`

	// HTTP validators for conditional requests.
	ETag         string `db:"etag"`
	LastModified string `db:"last_modified"`

	FirstSeen   time.Time  `db:"first_seen"`
	LastSeen    time.Time  `db:"last_seen"`
	LastCrawled *time.Time `db:"last_crawled"`
	LastChanged *time.Time `db:"last_changed"`

	Depth       int    `db:"depth"` // minimum depth from any seed
	ReferrerURL string `db:"referrer_url"`

	StatusCode  int    `db:"status_code"`
	IsTombstone bool   `db:"is_tombstone"`
	ErrorCount  int    `db:"error_count"` // consecutive failures
	LastError   string `db:"last_error"`

	VersionCount int `db:"version_count"`
}

// NeedsRecrawl reports whether the page is stale. A zero maxAge means pages
// are always considered stale; tombstones are never recrawled.
func (p *Page) NeedsRecrawl(maxAge time.Duration) bool {
	if p.IsTombstone {
		return false
	}
	if p.LastCrawled == nil {
		return true
	}
	if maxAge <= 0 {
		return true
	}
	return time.Since(*p.LastCrawled) > maxAge
}

// Heading is one entry of a page's heading outline.
type Heading struct {
	Level  int    `json:"level"`
	Text   string `json:"text"`
	Anchor string `json:"anchor,omitempty"`
}

// PageVersion is an immutable snapshot of page content, created whenever the
// content hash changes. Tombstone versions record confirmed deletions.
type PageVersion struct {
	ID     string `db:"version_id"`
	PageID string `db:"page_id"`
	SiteID string `db:"site_id"`
	RunID  string `db:"run_id"`

	Markdown    string `db:"markdown"`
	HTML        string `db:"html"`
	ContentHash string `db:"content_hash"`

	URL          string `db:"url"`
	CanonicalURL string `db:"canonical_url"`
	Title        string `db:"title"`
	Description  string `db:"description"`
	ContentType  string `db:"content_type"`
	StatusCode   int    `db:"status_code"`
	Language     string `db:"language"`

	Headings  []Heading `db:"-"`
	WordCount int       `db:"word_count"`
	CharCount int       `db:"char_count"`

	Outlinks          []string `db:"-"`
	InternalLinkCount int      `db:"internal_link_count"`
	ExternalLinkCount int      `db:"external_link_count"`

	ETag         string `db:"etag"`
	LastModified string `db:"last_modified"`

	CrawledAt      time.Time     `db:"crawled_at"`
	FetchLatency   time.Duration `db:"-"`
	ExtractLatency time.Duration `db:"-"`

	IsTombstone bool `db:"is_tombstone"`
}

// CrawlStats aggregates counters for one run.
type CrawlStats struct {
	PagesDiscovered int `json:"pages_discovered"`
	PagesCrawled    int `json:"pages_crawled"`
	PagesFailed     int `json:"pages_failed"`
	PagesSkipped    int `json:"pages_skipped"`
	PagesChanged    int `json:"pages_changed"`
	PagesUnchanged  int `json:"pages_unchanged"`
	PagesNew        int `json:"pages_new"`
	PagesDeleted    int `json:"pages_deleted"`

	BytesDownloaded int64         `json:"bytes_downloaded"`
	TotalFetchTime  time.Duration `json:"total_fetch_time"`
	TotalExtractTime time.Duration `json:"total_extract_time"`
	AvgFetchLatency time.Duration `json:"avg_fetch_latency"`

	StatusCodes  map[int]int    `json:"status_codes,omitempty"`
	ErrorsByType map[string]int `json:"errors_by_type,omitempty"`
}

// CrawlRun records a single crawl or sync execution.
type CrawlRun struct {
	ID     string    `db:"run_id"`
	SiteID string    `db:"site_id"`
	Status RunStatus `db:"status"`
	Error  string    `db:"error_message"`

	CreatedAt   time.Time  `db:"created_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`

	Seeds  []string `db:"-"`
	IsSync bool     `db:"is_sync"`

	Stats           CrawlStats `db:"-"`
	FrontierSize    int        `db:"frontier_size"`
	MaxDepthReached int        `db:"max_depth_reached"`

	// ConfigSnapshot is the serialized configuration the run used.
	ConfigSnapshot string `db:"config_snapshot"`
}

// MarkStarted transitions the run to Running.
func (r *CrawlRun) MarkStarted() {
	now := time.Now()
	r.Status = RunRunning
	r.StartedAt = &now
}

// MarkCompleted finalizes the run; partial runs had page-level failures.
func (r *CrawlRun) MarkCompleted(partial bool) {
	now := time.Now()
	if partial {
		r.Status = RunPartial
	} else {
		r.Status = RunCompleted
	}
	r.CompletedAt = &now
}

// MarkFailed records a run-level failure.
func (r *CrawlRun) MarkFailed(err string) {
	now := time.Now()
	r.Status = RunFailed
	r.Error = err
	r.CompletedAt = &now
}

// Duration is the wall time of the run so far, or of the whole run once
// completed.
func (r *CrawlRun) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}

// FrontierItem is a URL queued for crawling. Items are created on discovery
// and only ever change state; they are never removed mid-run.
type FrontierItem struct {
	ID     string `db:"item_id"`
	RunID  string `db:"run_id"`
	SiteID string `db:"site_id"`

	URL           string `db:"url"` // as discovered
	NormalizedURL string `db:"normalized_url"`
	URLHash       string `db:"url_hash"`

	Depth       int     `db:"depth"`
	ReferrerURL string  `db:"referrer_url"`
	Priority    float64 `db:"priority"`

	State      FrontierState `db:"state"`
	RetryCount int           `db:"retry_count"`
	LastError  string        `db:"last_error"`

	DiscoveredAt time.Time  `db:"discovered_at"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`

	Domain string `db:"domain"`
}
