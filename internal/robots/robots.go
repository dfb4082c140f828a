// Package robots evaluates robots.txt rules with per-host caching.
package robots

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// Mode selects how strictly robots.txt is honored.
type Mode string

const (
	// ModeStrict checks robots.txt for every host.
	ModeStrict Mode = "strict"
	// ModeOff skips robots.txt entirely.
	ModeOff Mode = "off"
	// ModeAllowlist checks robots.txt except for listed hosts, which are
	// always permitted (useful for hosts one operates).
	ModeAllowlist Mode = "allowlist"
)

// Options configures the agent.
type Options struct {
	Mode      Mode
	Allowlist []string
	UserAgent string
	CacheTTL  time.Duration
}

// Agent evaluates robots.txt rules. Fetch and parse failures fail open: an
// unreachable robots.txt never blocks a crawl.
type Agent struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	mode      Mode

	mu        sync.RWMutex
	cache     map[string]cacheEntry
	allowlist map[string]struct{}
}

type cacheEntry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// NewAgent constructs a robots agent. A nil client gets a modest default.
func NewAgent(opts Options, client *http.Client) *Agent {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Minute
	}
	if opts.Mode == "" {
		opts.Mode = ModeStrict
	}

	allowlist := make(map[string]struct{}, len(opts.Allowlist))
	for _, host := range opts.Allowlist {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			allowlist[host] = struct{}{}
		}
	}

	return &Agent{
		client:    client,
		userAgent: opts.UserAgent,
		ttl:       opts.CacheTTL,
		mode:      opts.Mode,
		cache:     make(map[string]cacheEntry),
		allowlist: allowlist,
	}
}

// Allowed reports whether the target URL is permitted.
func (a *Agent) Allowed(ctx context.Context, rawURL string) bool {
	if a.mode == ModeOff {
		return true
	}
	target, err := url.Parse(rawURL)
	if err != nil || !target.IsAbs() {
		return false
	}

	if a.mode == ModeAllowlist {
		host := strings.ToLower(target.Hostname())
		if _, ok := a.allowlist[host]; ok {
			return true
		}
	}

	rules, err := a.rules(ctx, target)
	if err != nil {
		// Fail-open on robots errors (common industry practice).
		return true
	}

	group := rules.FindGroup(a.userAgent)
	if group == nil {
		group = rules.FindGroup("*")
		if group == nil {
			return true
		}
	}
	return group.Test(target.Path)
}

func (a *Agent) rules(ctx context.Context, target *url.URL) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	a.mu.RLock()
	entry, ok := a.cache[host]
	if ok && time.Since(entry.fetched) < a.ttl {
		a.mu.RUnlock()
		return entry.rules, nil
	}
	a.mu.RUnlock()

	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("robots returned status %d", resp.StatusCode)
	}

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}

	a.mu.Lock()
	a.cache[host] = cacheEntry{fetched: time.Now(), rules: data}
	a.mu.Unlock()

	return data, nil
}

// Purge evicts cached robots rules for a host.
func (a *Agent) Purge(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return
	}
	a.mu.Lock()
	delete(a.cache, host)
	a.mu.Unlock()
}
