// Package fetcher retrieves page content over HTTP, optionally escalating to
// a headless browser for script-rendered pages.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Status classifies a fetch outcome for callers that branch on it.
type Status string

const (
	// StatusSuccess covers 2xx responses with a body.
	StatusSuccess Status = "success"
	// StatusNotModified is a 304 answer to a conditional request.
	StatusNotModified Status = "not_modified"
	// StatusNotFound covers 404 and 410; the sync engine counts these
	// toward the deletion threshold.
	StatusNotFound Status = "not_found"
	// StatusRedirect is a 3xx the client did not follow.
	StatusRedirect Status = "redirect"
	// StatusTimeout is a deadline hit at the transport level.
	StatusTimeout Status = "timeout"
	// StatusError covers every other failure.
	StatusError Status = "error"
)

// Request describes one page fetch. ETag and LastModified, when set, are
// sent as If-None-Match / If-Modified-Since validators.
type Request struct {
	URL          string
	ETag         string
	LastModified string
	Render       bool
}

// Result is the typed outcome of a fetch.
type Result struct {
	Status     Status
	StatusCode int

	Body        []byte
	ContentType string
	Header      http.Header

	// Validators echoed back by the server, stored for the next
	// conditional request.
	ETag         string
	LastModified string

	FinalURL string
	Rendered bool
	Latency  time.Duration
}

// OK reports whether the fetch produced usable content.
func (r *Result) OK() bool { return r != nil && r.Status == StatusSuccess }

// Fetcher retrieves a page.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Result, error)
}

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
}

// HTTPFetcher implements Fetcher via the Go http.Client.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	extraHeaders map[string]string
	maxBodyBytes int64
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts Options) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 6 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if strings.TrimSpace(opts.ProxyURL) != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}

	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}

	return &HTTPFetcher{
		client:       client,
		userAgent:    opts.UserAgent,
		extraHeaders: headers,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// Fetch downloads a single URL. Transport failures return both a classified
// Result (Timeout or Error) and the underlying error; HTTP-level outcomes,
// including 4xx and 5xx, return a Result and a nil error.
func (f *HTTPFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return &Result{Status: StatusError}, fmt.Errorf("build request: %w", err)
	}

	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	for k, v := range f.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		status := StatusError
		if isTimeout(err) {
			status = StatusTimeout
		}
		return &Result{Status: status, Latency: time.Since(start)},
			fmt.Errorf("http fetch: %w", err)
	}

	result := &Result{
		Status:       classify(resp.StatusCode),
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		Header:       resp.Header.Clone(),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		FinalURL:     req.URL,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		result.FinalURL = resp.Request.URL.String()
	}

	// 304 carries no body worth reading.
	if result.Status != StatusNotModified {
		body, err := f.readBody(resp)
		if err != nil {
			resp.Body.Close()
			result.Status = StatusError
			result.Latency = time.Since(start)
			return result, err
		}
		result.Body = body
	} else {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	result.Latency = time.Since(start)
	return result, nil
}

func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBodyBytes)
	}
	return body, nil
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt and
// sitemap fetches).
func (f *HTTPFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}

func classify(code int) Status {
	switch {
	case code == http.StatusNotModified:
		return StatusNotModified
	case code == http.StatusNotFound || code == http.StatusGone:
		return StatusNotFound
	case code >= 200 && code < 300:
		return StatusSuccess
	case code >= 300 && code < 400:
		return StatusRedirect
	default:
		return StatusError
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
