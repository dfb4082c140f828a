// Package extract turns fetched HTML into the content record the knowledge
// base stores: markdown, metadata, a heading outline, classified links, and
// a stable content hash.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"

	"kbcrawl/internal/filter"
	"kbcrawl/pkg/types"
)

// noiseSelectors are stripped before any text is derived. Navigation and
// boilerplate would otherwise dominate short pages and churn the hash.
var noiseSelectors = []string{
	"script", "style", "noscript", "iframe",
	"nav", "header", "footer", "aside",
	"[class*='cookie']", "[class*='banner']", "[id*='cookie']",
}

// Extraction is everything derived from one page body.
type Extraction struct {
	Markdown string
	HTML     string
	Text     string

	ContentHash string

	Title        string
	Description  string
	CanonicalURL string
	Language     string
	Headings     []types.Heading

	Outlinks      []string
	InternalLinks []string
	ExternalLinks []string

	WordCount int
	CharCount int
	Latency   time.Duration
}

// Extractor parses page bodies. Safe for concurrent use.
type Extractor struct {
	norm *filter.Normalizer
}

// New constructs an extractor. A nil normalizer falls back to defaults.
func New(norm *filter.Normalizer) *Extractor {
	if norm == nil {
		norm = filter.NewNormalizer(nil)
	}
	return &Extractor{norm: norm}
}

// Extract parses the body fetched from baseURL. Relative links resolve
// against baseURL, which should be the final URL after redirects.
func (e *Extractor) Extract(baseURL string, body []byte) (*Extraction, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body for %s", baseURL)
	}
	start := time.Now()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	out := &Extraction{}
	out.Title = strings.TrimSpace(doc.Find("title").First().Text())
	out.Description, _ = doc.Find(`meta[name="description"]`).First().Attr("content")
	out.Description = strings.TrimSpace(out.Description)
	if lang, ok := doc.Find("html").First().Attr("lang"); ok {
		out.Language = strings.ToLower(strings.SplitN(lang, "-", 2)[0])
	}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if resolved := resolveLink(base, canonical); resolved != "" {
			out.CanonicalURL = e.norm.Normalize(resolved)
		}
	}

	e.collectLinks(doc, base, out)

	for _, sel := range noiseSelectors {
		doc.Find(sel).Remove()
	}

	doc.Find("h1,h2,h3,h4,h5,h6").Each(func(_ int, s *goquery.Selection) {
		text := normalizeWhitespace(s.Text())
		if text == "" {
			return
		}
		anchor, _ := s.Attr("id")
		out.Headings = append(out.Headings, types.Heading{
			Level:  int(goquery.NodeName(s)[1] - '0'),
			Text:   text,
			Anchor: anchor,
		})
	})

	cleanHTML, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("serialise html: %w", err)
	}
	out.HTML = strings.TrimSpace(cleanHTML)

	text, markdown, err := renderTextAndMarkdown(out.HTML)
	if err != nil {
		return nil, err
	}
	out.Text = text
	out.Markdown = markdown
	out.WordCount = len(strings.Fields(text))
	out.CharCount = len(text)
	out.ContentHash = HashContent(text)
	out.Latency = time.Since(start)
	return out, nil
}

// collectLinks gathers anchors before noise removal so navigation links
// still feed the frontier.
func (e *Extractor) collectLinks(doc *goquery.Document, base *url.URL, out *Extraction) {
	seen := make(map[string]struct{})
	baseDomain := filter.RegisteredDomain(base.Hostname())

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := resolveLink(base, href)
		if resolved == "" {
			return
		}
		normalized := e.norm.Normalize(resolved)
		if _, dup := seen[normalized]; dup {
			return
		}
		seen[normalized] = struct{}{}

		out.Outlinks = append(out.Outlinks, normalized)
		if filter.RegisteredDomain(e.norm.Domain(normalized)) == baseDomain {
			out.InternalLinks = append(out.InternalLinks, normalized)
		} else {
			out.ExternalLinks = append(out.ExternalLinks, normalized)
		}
	})
}

// resolveLink resolves href against base, dropping fragments and non-http
// schemes. Returns "" for links that cannot feed a crawl.
func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

// HashContent returns the stable hash of page text: whitespace is collapsed
// first so formatting churn does not register as a content change.
func HashContent(text string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalizeWhitespace(text)))
}
