package fetcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

// RenderOptions configures the headless-browser fetch path.
type RenderOptions struct {
	Timeout            time.Duration
	WaitForSelector    string
	UserAgent          string
	MaxBodyBytes       int64
	DisableHeadless    bool
	ConcurrentSessions int
	CaptureDelay       time.Duration
}

// ChromedpRenderer fetches pages through headless Chrome sessions with
// bounded concurrency.
type ChromedpRenderer struct {
	opts      RenderOptions
	semaphore chan struct{}
	logger    *slog.Logger
}

// NewChromedpRenderer constructs a renderer.
func NewChromedpRenderer(opts RenderOptions, logger *slog.Logger) *ChromedpRenderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 6 * 1024 * 1024
	}
	if opts.ConcurrentSessions <= 0 {
		opts.ConcurrentSessions = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromedpRenderer{
		opts:      opts,
		semaphore: make(chan struct{}, opts.ConcurrentSessions),
		logger:    logger,
	}
}

// Fetch navigates to the URL, waits for the page to settle, and returns the
// final DOM. Conditional validators are not sent on this path; the renderer
// is only used when full content is needed anyway.
func (r *ChromedpRenderer) Fetch(parentCtx context.Context, req Request) (*Result, error) {
	logger := r.logger.With("url", req.URL)

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-parentCtx.Done():
		return &Result{Status: StatusError}, parentCtx.Err()
	}

	ctx, cancel := context.WithTimeout(parentCtx, r.opts.Timeout)
	defer cancel()

	execOpts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", !r.opts.DisableHeadless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	}
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		execOpts = append(execOpts, chromedp.UserAgent(ua))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, execOpts...)
	defer allocCancel()

	chromeCtx, chromeCancel := chromedp.NewContext(allocCtx)
	defer chromeCancel()

	start := time.Now()
	var html string
	var finalURL string

	actions := []chromedp.Action{chromedp.Navigate(req.URL)}
	if selector := strings.TrimSpace(r.opts.WaitForSelector); selector != "" {
		actions = append(actions,
			chromedp.WaitReady(selector, chromedp.ByQuery),
			chromedp.Sleep(250*time.Millisecond),
		)
	} else {
		delay := r.opts.CaptureDelay
		if delay <= 0 {
			delay = 1500 * time.Millisecond
		}
		actions = append(actions, chromedp.Sleep(delay))
	}
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&finalURL),
	)

	if err := chromedp.Run(chromeCtx, actions...); err != nil {
		status := StatusError
		if isTimeout(err) {
			status = StatusTimeout
		}
		logger.Error("chromedp run failed", "error", err)
		return &Result{Status: status, Latency: time.Since(start)},
			fmt.Errorf("chromedp run: %w", err)
	}

	if int64(len(html)) > r.opts.MaxBodyBytes {
		html = html[:r.opts.MaxBodyBytes]
	}
	if finalURL == "" {
		finalURL = req.URL
	}

	latency := time.Since(start)
	logger.Debug("chromedp render complete",
		"latency_ms", latency.Milliseconds(),
		"final_url", finalURL,
		"html_bytes", len(html),
	)
	return &Result{
		Status:      StatusSuccess,
		StatusCode:  200,
		Body:        []byte(html),
		ContentType: "text/html; charset=utf-8",
		FinalURL:    finalURL,
		Rendered:    true,
		Latency:     latency,
	}, nil
}
