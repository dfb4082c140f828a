package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbcrawl/internal/config"
	"kbcrawl/internal/robots"
	"kbcrawl/internal/storage"
	"kbcrawl/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(seed string) config.Config {
	cfg := config.Default()
	cfg.Storage.Driver = "memory"
	cfg.Crawl.Seeds = []string{seed}
	cfg.Crawl.MaxDepth = 3
	cfg.Crawl.MaxPages = 100
	cfg.Robots.Mode = "off"
	cfg.Limits.Concurrency = 4
	cfg.Limits.PerDomainConcurrency = 4
	cfg.Limits.RequestsPerSecond = 0
	cfg.Limits.PerDomainRPS = 0
	cfg.Quality.MinTextLength = 0
	cfg.Quality.MinWordCount = 0
	return cfg
}

func htmlPage(title, body string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html lang="en"><head><title>%s</title></head><body><h1>%s</h1>`, title, title)
	fmt.Fprintf(&b, "<p>%s</p>", body)
	for _, l := range links {
		fmt.Fprintf(&b, `<a href=%q>%s</a>`, l, l)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func runCrawl(t *testing.T, cfg config.Config, deps Deps) *types.CrawlRun {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	job, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = job.Close() })

	run, err := job.Run(context.Background())
	require.NoError(t, err)
	return run
}

func TestCrawlDiscoversAndPersistsPages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			io.WriteString(w, htmlPage("Home", "Overview of every guide on this site.", "/docs/deploy", "/docs/scale"))
		case "/docs/deploy":
			io.WriteString(w, htmlPage("Deploy", "Rollout procedures and upgrade steps for the platform."))
		case "/docs/scale":
			io.WriteString(w, htmlPage("Scale", "Capacity planning and horizontal scaling guidance."))
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := storage.NewMemory()
	run := runCrawl(t, testConfig(srv.URL), Deps{Storage: mem})

	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Stats.PagesCrawled)
	assert.Equal(t, 3, run.Stats.PagesNew)
	assert.Equal(t, 3, run.Stats.PagesDiscovered)
	assert.Zero(t, run.Stats.PagesFailed)

	ctx := context.Background()
	count, err := mem.CountPages(ctx, run.SiteID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	page, err := mem.GetPageByURL(ctx, run.SiteID, srv.URL+"/docs/deploy")
	require.NoError(t, err)
	assert.Equal(t, 1, page.VersionCount)
	assert.Equal(t, 1, page.Depth)
	assert.NotEmpty(t, page.CurrentVersionID)

	version, err := mem.GetVersion(ctx, page.CurrentVersionID)
	require.NoError(t, err)
	assert.Equal(t, "Deploy", version.Title)
	assert.Equal(t, run.ID, version.RunID)
	assert.NotEmpty(t, version.ContentHash)
}

func TestRecrawlUnchangedPageAddsNoVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Stable", "This page never changes between runs."))
	}))
	defer srv.Close()

	mem := storage.NewMemory()
	cfg := testConfig(srv.URL)

	first := runCrawl(t, cfg, Deps{Storage: mem})
	assert.Equal(t, 1, first.Stats.PagesNew)

	second := runCrawl(t, cfg, Deps{Storage: mem})
	assert.Equal(t, 1, second.Stats.PagesUnchanged)
	assert.Zero(t, second.Stats.PagesNew)
	assert.Zero(t, second.Stats.PagesChanged)

	page, err := mem.GetPageByURL(context.Background(), second.SiteID, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, 1, page.VersionCount)
}

func TestContentChangeCreatesNewVersion(t *testing.T) {
	var revised atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if revised.Load() {
			io.WriteString(w, htmlPage("Guide", "The second edition with reworked instructions."))
			return
		}
		io.WriteString(w, htmlPage("Guide", "The first edition of the instructions."))
	}))
	defer srv.Close()

	mem := storage.NewMemory()
	cfg := testConfig(srv.URL)

	runCrawl(t, cfg, Deps{Storage: mem})
	revised.Store(true)
	second := runCrawl(t, cfg, Deps{Storage: mem})

	assert.Equal(t, 1, second.Stats.PagesChanged)
	assert.Zero(t, second.Stats.PagesNew)

	ctx := context.Background()
	page, err := mem.GetPageByURL(ctx, second.SiteID, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, 2, page.VersionCount)

	versions, err := mem.ListVersions(ctx, page.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestNotFoundTombstonesAfterThreshold(t *testing.T) {
	var gone atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gone.Load() {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, htmlPage("Doomed", "Content that will disappear soon."))
	}))
	defer srv.Close()

	mem := storage.NewMemory()
	cfg := testConfig(srv.URL)
	cfg.Sync.DeletionThreshold = 2

	var deleted atomic.Int32
	deps := Deps{Storage: mem, Hooks: Hooks{
		OnDeletion: func(*types.Page) { deleted.Add(1) },
	}}

	runCrawl(t, cfg, deps)
	gone.Store(true)

	ctx := context.Background()
	first404 := runCrawl(t, cfg, deps)
	assert.Equal(t, types.RunPartial, first404.Status)
	page, err := mem.GetPageByURL(ctx, first404.SiteID, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, 1, page.ErrorCount)
	assert.False(t, page.IsTombstone)

	second404 := runCrawl(t, cfg, deps)
	assert.Equal(t, 1, second404.Stats.PagesDeleted)
	page, err = mem.GetPageByURL(ctx, second404.SiteID, srv.URL+"/")
	require.NoError(t, err)
	assert.True(t, page.IsTombstone)
	assert.Equal(t, 2, page.ErrorCount)
	assert.Equal(t, 2, page.VersionCount)
	assert.Equal(t, int32(1), deleted.Load())

	tombstone, err := mem.GetVersion(ctx, page.CurrentVersionID)
	require.NoError(t, err)
	assert.True(t, tombstone.IsTombstone)
	assert.Equal(t, http.StatusNotFound, tombstone.StatusCode)
}

func TestQualityGateSkipsThinPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Thin", "nothing"))
	}))
	defer srv.Close()

	mem := storage.NewMemory()
	cfg := testConfig(srv.URL)
	cfg.Quality.MinWordCount = 50

	run := runCrawl(t, cfg, Deps{Storage: mem})
	assert.Equal(t, 1, run.Stats.PagesSkipped)
	assert.Zero(t, run.Stats.PagesCrawled)

	count, err := mem.CountPages(context.Background(), run.SiteID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRobotsDisallowSkipsPage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Private", "Should never be fetched."))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := storage.NewMemory()
	cfg := testConfig(srv.URL + "/private")
	cfg.Robots.Mode = "strict"

	agent := robots.NewAgent(robots.Options{
		Mode:      robots.ModeStrict,
		UserAgent: cfg.Robots.UserAgent,
	}, srv.Client())

	run := runCrawl(t, cfg, Deps{Storage: mem, Robots: agent})
	assert.Equal(t, 1, run.Stats.PagesSkipped)
	assert.Zero(t, run.Stats.PagesCrawled)

	count, err := mem.CountPages(context.Background(), run.SiteID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMaxDepthStopsLinkDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Root", "Root page linking one level down.", "/child"))
	})
	mux.HandleFunc("/child", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Child", "Should stay undiscovered at depth zero."))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mem := storage.NewMemory()
	cfg := testConfig(srv.URL)
	cfg.Crawl.MaxDepth = 0

	run := runCrawl(t, cfg, Deps{Storage: mem})
	assert.Equal(t, 1, run.Stats.PagesCrawled)
	assert.Equal(t, 1, run.Stats.PagesDiscovered)
	assert.Zero(t, run.MaxDepthReached)
}

func TestRedactHookRewritesStoredContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Secrets", "The api key is swordfish, keep it safe."))
	}))
	defer srv.Close()

	mem := storage.NewMemory()
	deps := Deps{Storage: mem, Hooks: Hooks{
		Redact: func(markdown, html string) (string, string) {
			return strings.ReplaceAll(markdown, "swordfish", "[redacted]"),
				strings.ReplaceAll(html, "swordfish", "[redacted]")
		},
	}}

	run := runCrawl(t, testConfig(srv.URL), deps)

	ctx := context.Background()
	page, err := mem.GetPageByURL(ctx, run.SiteID, srv.URL+"/")
	require.NoError(t, err)
	version, err := mem.GetVersion(ctx, page.CurrentVersionID)
	require.NoError(t, err)
	assert.Contains(t, version.Markdown, "[redacted]")
	assert.NotContains(t, version.Markdown, "swordfish")
	assert.NotContains(t, version.HTML, "swordfish")
}

func TestServerErrorRetriesThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	mem := storage.NewMemory()
	run := runCrawl(t, testConfig(srv.URL), Deps{Storage: mem})

	assert.Equal(t, types.RunPartial, run.Status)
	assert.Equal(t, 1, run.Stats.PagesFailed)
	assert.Equal(t, 1, run.Stats.ErrorsByType["http_500"])
	// Default retry budget is two, so the URL is attempted three times.
	assert.Equal(t, int32(3), hits.Load())
}

// brokenBackend fails selected writes to stand in for a full disk or a lost
// database connection.
type brokenBackend struct {
	storage.Backend
	versionErr error
}

func (b *brokenBackend) SaveVersion(ctx context.Context, v *types.PageVersion) error {
	if b.versionErr != nil {
		return b.versionErr
	}
	return b.Backend.SaveVersion(ctx, v)
}

func TestStorageFailureFailsTheRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Healthy", "A perfectly fetchable page that storage cannot keep."))
	}))
	defer srv.Close()

	backend := &brokenBackend{
		Backend:    storage.NewMemory(),
		versionErr: errors.New("disk full"),
	}
	job, err := New(testConfig(srv.URL), Deps{Storage: backend, Logger: quietLogger()})
	require.NoError(t, err)
	defer job.Close()

	run, err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, run)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Contains(t, run.Error, "disk full")
	assert.Equal(t, 1, run.Stats.ErrorsByType["storage"])
}

func TestHookPanicDoesNotFailThePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Sturdy", "Survives a broken observer."))
	}))
	defer srv.Close()

	mem := storage.NewMemory()
	deps := Deps{Storage: mem, Hooks: Hooks{
		OnPage: func(*types.Page, *types.PageVersion) { panic("observer bug") },
	}}

	run := runCrawl(t, testConfig(srv.URL), deps)
	assert.Equal(t, types.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Stats.PagesCrawled)
}
