// Package sitemap fetches and parses XML sitemaps, following sitemap index
// files, so the sync engine can pre-filter unchanged pages by lastmod.
package sitemap

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entry is one URL listed in a sitemap. LastMod is nil when absent or
// unparseable; callers must treat that as "unknown, fetch the page".
type Entry struct {
	Loc     string
	LastMod *time.Time
}

// maxIndexDepth bounds sitemapindex recursion; real sites rarely nest past
// two levels and a loop between index files must not hang the sync.
const maxIndexDepth = 3

type urlset struct {
	URLs []struct {
		Loc     string `xml:"loc"`
		LastMod string `xml:"lastmod"`
	} `xml:"url"`
}

type sitemapindex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

// Parser fetches sitemaps over a shared HTTP client.
type Parser struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewParser constructs a parser. A nil client gets a modest default.
func NewParser(client *http.Client, userAgent string, logger *slog.Logger) *Parser {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{client: client, userAgent: userAgent, logger: logger}
}

// Fetch downloads and parses one sitemap URL, recursing into index files.
// Entries from unreachable child sitemaps are skipped, not fatal.
func (p *Parser) Fetch(ctx context.Context, sitemapURL string) ([]Entry, error) {
	return p.fetch(ctx, sitemapURL, 0)
}

// FetchAll merges entries from several sitemap URLs, deduplicating by Loc.
// The newest lastmod wins for duplicates.
func (p *Parser) FetchAll(ctx context.Context, sitemapURLs []string) ([]Entry, error) {
	byLoc := make(map[string]Entry)
	var firstErr error
	for _, u := range sitemapURLs {
		entries, err := p.fetch(ctx, u, 0)
		if err != nil {
			p.logger.Warn("sitemap fetch failed", "url", u, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, e := range entries {
			prev, ok := byLoc[e.Loc]
			if !ok || newer(e.LastMod, prev.LastMod) {
				byLoc[e.Loc] = e
			}
		}
	}
	if len(byLoc) == 0 && firstErr != nil {
		return nil, firstErr
	}
	out := make([]Entry, 0, len(byLoc))
	for _, e := range byLoc {
		out = append(out, e)
	}
	return out, nil
}

// Discover guesses sitemap locations for a site root: the robots.txt
// Sitemap directives first, then the conventional /sitemap.xml.
func (p *Parser) Discover(ctx context.Context, siteRoot string) []string {
	root, err := url.Parse(siteRoot)
	if err != nil || root.Host == "" {
		return nil
	}
	base := root.Scheme + "://" + root.Host

	var found []string
	if body, err := p.get(ctx, base+"/robots.txt"); err == nil {
		for _, line := range strings.Split(string(body), "\n") {
			line = strings.TrimSpace(line)
			if len(line) >= 8 && strings.EqualFold(line[:8], "sitemap:") {
				if loc := strings.TrimSpace(line[8:]); loc != "" {
					found = append(found, loc)
				}
			}
		}
	}
	if len(found) == 0 {
		found = append(found, base+"/sitemap.xml")
	}
	return found
}

func (p *Parser) fetch(ctx context.Context, sitemapURL string, depth int) ([]Entry, error) {
	if depth >= maxIndexDepth {
		return nil, fmt.Errorf("sitemap index nesting exceeds %d levels", maxIndexDepth)
	}
	body, err := p.get(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	var index sitemapindex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var entries []Entry
		for _, child := range index.Sitemaps {
			loc := strings.TrimSpace(child.Loc)
			if loc == "" {
				continue
			}
			childEntries, err := p.fetch(ctx, loc, depth+1)
			if err != nil {
				p.logger.Warn("child sitemap failed", "url", loc, "error", err)
				continue
			}
			entries = append(entries, childEntries...)
		}
		return entries, nil
	}

	var set urlset
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
	}
	entries := make([]Entry, 0, len(set.URLs))
	for _, u := range set.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		entries = append(entries, Entry{Loc: loc, LastMod: ParseLastMod(u.LastMod)})
	}
	return entries, nil
}

func (p *Parser) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if strings.HasSuffix(rawURL, ".gz") ||
		strings.Contains(resp.Header.Get("Content-Type"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip sitemap %s: %w", rawURL, err)
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(io.LimitReader(reader, 50*1024*1024))
}

// ParseLastMod parses the lastmod formats seen in the wild: RFC3339, with
// and without seconds, and bare dates. Unparseable values return nil so the
// caller fails toward fetching.
func ParseLastMod(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04Z07:00",
		"2006-01-02",
	} {
		if ts, err := time.Parse(layout, value); err == nil {
			return &ts
		}
	}
	return nil
}

func newer(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}
