package fetcher

import (
	"bytes"
	"context"
	"log/slog"

	"golang.org/x/net/html"
)

// EscalationPolicy decides when an HTTP result looks script-rendered and is
// worth re-fetching through the browser.
type EscalationPolicy struct {
	// MinTextBytes: only bodies with less extracted text than this are
	// candidates for escalation.
	MinTextBytes int
	// Markers are substrings of the raw HTML that identify client-side
	// frameworks (root mount divs, framework bootstrap payloads).
	Markers []string
}

// ShouldEscalate reports whether the body is probably an unrendered shell:
// thin on text while carrying a framework marker.
func (p EscalationPolicy) ShouldEscalate(body []byte) bool {
	if p.MinTextBytes <= 0 || len(p.Markers) == 0 {
		return false
	}
	if len(visibleText(body)) >= p.MinTextBytes {
		return false
	}
	for _, m := range p.Markers {
		if bytes.Contains(body, []byte(m)) {
			return true
		}
	}
	return false
}

// visibleText returns the concatenated text nodes of the document, skipping
// script and style subtrees.
func visibleText(body []byte) []byte {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return body
	}
	var buf bytes.Buffer
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return bytes.TrimSpace(buf.Bytes())
}

// Hybrid fetches over HTTP first and escalates to the renderer when the
// result looks script-rendered. Renderer failures fall back to the HTTP
// result so a broken browser never costs a page.
type Hybrid struct {
	http     Fetcher
	renderer Fetcher
	policy   EscalationPolicy
	logger   *slog.Logger
}

// NewHybrid builds the composite. A nil renderer degrades to plain HTTP.
func NewHybrid(httpFetcher, renderer Fetcher, policy EscalationPolicy, logger *slog.Logger) *Hybrid {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hybrid{http: httpFetcher, renderer: renderer, policy: policy, logger: logger}
}

// Fetch implements Fetcher. Requests with Render set skip the heuristic and
// go straight to the browser.
func (h *Hybrid) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.Render && h.renderer != nil {
		res, err := h.renderer.Fetch(ctx, req)
		if err == nil {
			return res, nil
		}
		h.logger.Warn("renderer failed, falling back to http", "url", req.URL, "error", err)
		req.Render = false
	}

	res, err := h.http.Fetch(ctx, req)
	if err != nil || h.renderer == nil || !res.OK() {
		return res, err
	}

	if h.policy.ShouldEscalate(res.Body) {
		h.logger.Debug("escalating to renderer", "url", req.URL, "http_bytes", len(res.Body))
		rendered, rerr := h.renderer.Fetch(ctx, req)
		if rerr == nil {
			// Keep the HTTP validators; the renderer does not see them.
			rendered.ETag = res.ETag
			rendered.LastModified = res.LastModified
			return rendered, nil
		}
		h.logger.Warn("renderer escalation failed, keeping http result",
			"url", req.URL, "error", rerr)
	}
	return res, nil
}
