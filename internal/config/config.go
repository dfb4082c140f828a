package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything needed to run a crawl or sync job.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Storage   StorageConfig   `yaml:"storage"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Limits    LimitsConfig    `yaml:"limits"`
	Robots    RobotsConfig    `yaml:"robots"`
	Rendering RenderingConfig `yaml:"rendering"`
	Quality   QualityConfig   `yaml:"quality"`
	Sync      SyncConfig      `yaml:"sync"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SiteConfig identifies the site record runs attach to. An empty ID is
// derived from the seed URLs.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Driver is one of "sqlite", "postgres", or "memory".
	Driver string `yaml:"driver"`
	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres driver.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// CrawlConfig controls scope, admission, and fetching.
type CrawlConfig struct {
	Seeds []string `yaml:"seeds"`

	MaxDepth int `yaml:"max_depth"`
	MaxPages int `yaml:"max_pages"`

	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers"`
	ProxyURL  string            `yaml:"proxy_url"`

	AllowedDomains      []string `yaml:"allowed_domains"`
	AllowSubdomains     bool     `yaml:"allow_subdomains"`
	AllowedSchemes      []string `yaml:"allowed_schemes"`
	AllowedPathPrefixes []string `yaml:"allowed_path_prefixes"`
	BlockedExtensions   []string `yaml:"blocked_extensions"`
	IncludePatterns     []string `yaml:"include_patterns"`
	ExcludePatterns     []string `yaml:"exclude_patterns"`
	BlockedQueryParams  []string `yaml:"blocked_query_params"`

	RequestTimeout Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

// LimitsConfig bounds concurrency and request rates, and tunes the
// per-domain circuit breaker.
type LimitsConfig struct {
	Concurrency          int      `yaml:"concurrency"`
	PerDomainConcurrency int      `yaml:"per_domain_concurrency"`
	RequestsPerSecond    float64  `yaml:"requests_per_second"`
	PerDomainRPS         float64  `yaml:"per_domain_rps"`
	Delay                Duration `yaml:"delay"`

	CircuitFailureThreshold int      `yaml:"circuit_failure_threshold"`
	CircuitCooldown         Duration `yaml:"circuit_cooldown"`
}

// RobotsConfig configures robots.txt handling.
type RobotsConfig struct {
	// Mode is one of "strict", "off", or "allowlist".
	Mode      string   `yaml:"mode"`
	Allowlist []string `yaml:"allowlist"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RenderingConfig controls the optional browser-rendered fetch path and the
// heuristic that escalates HTTP fetches to it.
type RenderingConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Engine             string   `yaml:"engine"`
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`

	// Escalation policy: render when extracted text is shorter than
	// MinTextBytes and the raw HTML contains one of Markers.
	MinTextBytes int      `yaml:"min_text_bytes"`
	Markers      []string `yaml:"markers"`
}

// QualityConfig tunes the content quality gates.
type QualityConfig struct {
	MinTextLength    int      `yaml:"min_text_length"`
	MinWordCount     int      `yaml:"min_word_count"`
	BlockPatterns    []string `yaml:"block_patterns"`
	DetectLanguage   bool     `yaml:"detect_language"`
	AllowedLanguages []string `yaml:"allowed_languages"`
}

// SyncConfig controls incremental re-validation of previously crawled sites.
type SyncConfig struct {
	// Strategies are tried in order; valid values: "sitemap", "headers",
	// "hash".
	Strategies []string `yaml:"strategies"`

	// MaxAge selects candidate pages: only pages last crawled longer than
	// this ago are re-validated. Zero means all pages.
	MaxAge   Duration `yaml:"max_age"`
	MaxPages int      `yaml:"max_pages"`

	SitemapURLs           []string `yaml:"sitemap_urls"`
	RespectSitemapLastmod bool     `yaml:"respect_sitemap_lastmod"`

	UseETag         bool `yaml:"use_etag"`
	UseLastModified bool `yaml:"use_last_modified"`

	DetectDeletions   bool `yaml:"detect_deletions"`
	DeletionThreshold int  `yaml:"deletion_threshold"`

	NormalizeForHash  bool     `yaml:"normalize_for_hash"`
	HashNoisePatterns []string `yaml:"hash_noise_patterns"`

	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "kbcrawl.db",
		},
		Crawl: CrawlConfig{
			MaxDepth:       10,
			MaxPages:       1000,
			UserAgent:      "kbcrawl-bot/1.0",
			Headers:        map[string]string{},
			AllowedSchemes: []string{"http", "https"},
			BlockedExtensions: []string{
				".pdf", ".zip", ".tar", ".gz", ".rar", ".7z",
				".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico",
				".mp3", ".mp4", ".avi", ".mov", ".wmv", ".flv",
				".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
				".exe", ".dmg", ".pkg", ".deb", ".rpm",
			},
			BlockedQueryParams: []string{"utm_source", "utm_medium", "utm_campaign"},
			RequestTimeout:     DurationFrom(30 * time.Second),
			MaxBodyBytes:       6 * 1024 * 1024,
		},
		Limits: LimitsConfig{
			Concurrency:             10,
			PerDomainConcurrency:    2,
			RequestsPerSecond:       10,
			PerDomainRPS:            2,
			CircuitFailureThreshold: 5,
			CircuitCooldown:         DurationFrom(60 * time.Second),
		},
		Robots: RobotsConfig{
			Mode:      "strict",
			UserAgent: "kbcrawl-bot/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Rendering: RenderingConfig{
			Enabled:            false,
			Engine:             "chromedp",
			Timeout:            DurationFrom(30 * time.Second),
			ConcurrentSessions: 2,
			MinTextBytes:       512,
			Markers: []string{
				"ng-app",
				"data-reactroot",
				"__NEXT_DATA__",
				"window.__NUXT__",
				`id="app"`,
				`id="root"`,
			},
		},
		Quality: QualityConfig{
			MinTextLength: 100,
			MinWordCount:  20,
		},
		Sync: SyncConfig{
			Strategies:            []string{"sitemap", "headers", "hash"},
			RespectSitemapLastmod: true,
			UseETag:               true,
			UseLastModified:       true,
			DetectDeletions:       true,
			DeletionThreshold:     2,
			NormalizeForHash:      true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: false,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces required invariants for the configuration.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path must be set for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if c.Crawl.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must be >= 0 (got %d)", c.Crawl.MaxDepth)
	}
	if c.Crawl.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be > 0 (got %d)", c.Crawl.MaxPages)
	}
	if c.Crawl.MaxBodyBytes <= 0 {
		return fmt.Errorf("crawl.max_body_bytes must be > 0 (got %d)", c.Crawl.MaxBodyBytes)
	}
	if strings.TrimSpace(c.Crawl.UserAgent) == "" {
		return errors.New("crawl.user_agent must be set")
	}
	if c.Limits.Concurrency <= 0 {
		return fmt.Errorf("limits.concurrency must be > 0 (got %d)", c.Limits.Concurrency)
	}
	if c.Limits.PerDomainConcurrency <= 0 {
		return fmt.Errorf("limits.per_domain_concurrency must be > 0 (got %d)", c.Limits.PerDomainConcurrency)
	}
	if c.Limits.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("limits.circuit_failure_threshold must be > 0 (got %d)", c.Limits.CircuitFailureThreshold)
	}
	switch c.Robots.Mode {
	case "strict", "off", "allowlist":
	default:
		return fmt.Errorf("unsupported robots mode %q", c.Robots.Mode)
	}
	for _, s := range c.Sync.Strategies {
		switch s {
		case "sitemap", "headers", "hash":
		default:
			return fmt.Errorf("unsupported sync strategy %q", s)
		}
	}
	if c.Sync.DeletionThreshold <= 0 {
		return fmt.Errorf("sync.deletion_threshold must be > 0 (got %d)", c.Sync.DeletionThreshold)
	}
	return nil
}

// Normalise cleans up list-valued fields so the rest of the code can assume
// lower-cased, de-duplicated values.
func (c *Config) Normalise() {
	cleaned := c.Crawl.Seeds[:0]
	for _, s := range c.Crawl.Seeds {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	c.Crawl.Seeds = cleaned

	c.Crawl.UserAgent = strings.TrimSpace(c.Crawl.UserAgent)
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	if c.Robots.UserAgent == "" {
		c.Robots.UserAgent = c.Crawl.UserAgent
	}
	c.Robots.Mode = strings.ToLower(strings.TrimSpace(c.Robots.Mode))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))

	c.Crawl.AllowedDomains = dedupeLower(c.Crawl.AllowedDomains)
	c.Crawl.AllowedSchemes = dedupeLower(c.Crawl.AllowedSchemes)
	c.Crawl.BlockedExtensions = dedupeLower(c.Crawl.BlockedExtensions)
	c.Robots.Allowlist = dedupeLower(c.Robots.Allowlist)
	if c.Crawl.Headers == nil {
		c.Crawl.Headers = map[string]string{}
	}
}

func dedupeLower(values []string) []string {
	if len(values) == 0 {
		return values
	}
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
