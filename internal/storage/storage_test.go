package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbcrawl/internal/config"
	"kbcrawl/pkg/types"
)

// backends returns every backend implementation under test. The sqlite
// backend runs against a file in a temp dir; postgres is exercised by the
// same SQL through Rebind and is not spun up here.
func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := Open(config.StorageConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "kbcrawl.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Backend{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func testSite() *types.Site {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.Site{
		ID:              "site-1",
		Name:            "Example Docs",
		Seeds:           []string{"https://docs.example.com/"},
		AllowedDomains:  []string{"docs.example.com"},
		AllowSubdomains: true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func testPage(id, url string) *types.Page {
	now := time.Now().UTC().Truncate(time.Second)
	return &types.Page{
		ID:          id,
		SiteID:      "site-1",
		URL:         url,
		ContentHash: "abc123",
		FirstSeen:   now,
		LastSeen:    now,
		Depth:       1,
		StatusCode:  200,
	}
}

func TestSiteRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			site := testSite()
			require.NoError(t, b.SaveSite(ctx, site))

			got, err := b.GetSite(ctx, site.ID)
			require.NoError(t, err)
			assert.Equal(t, site.Name, got.Name)
			assert.Equal(t, site.Seeds, got.Seeds)
			assert.Equal(t, site.AllowedDomains, got.AllowedDomains)
			assert.True(t, got.AllowSubdomains)

			// Upsert updates in place.
			site.TotalRuns = 3
			require.NoError(t, b.SaveSite(ctx, site))
			got, err = b.GetSite(ctx, site.ID)
			require.NoError(t, err)
			assert.Equal(t, 3, got.TotalRuns)

			sites, err := b.ListSites(ctx)
			require.NoError(t, err)
			assert.Len(t, sites, 1)
		})
	}
}

func TestGetSiteNotFound(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.GetSite(context.Background(), "nope")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRunRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := &types.CrawlRun{
				ID:        "run-1",
				SiteID:    "site-1",
				Status:    types.RunPending,
				CreatedAt: time.Now().UTC().Truncate(time.Second),
				Seeds:     []string{"https://docs.example.com/"},
			}
			require.NoError(t, b.SaveRun(ctx, run))

			run.MarkStarted()
			run.Stats.PagesCrawled = 7
			run.Stats.StatusCodes = map[int]int{200: 7}
			run.MarkCompleted(false)
			require.NoError(t, b.SaveRun(ctx, run))

			got, err := b.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, types.RunCompleted, got.Status)
			assert.Equal(t, 7, got.Stats.PagesCrawled)
			assert.NotNil(t, got.StartedAt)
			assert.NotNil(t, got.CompletedAt)

			runs, err := b.ListRuns(ctx, "site-1", 10)
			require.NoError(t, err)
			assert.Len(t, runs, 1)
		})
	}
}

func TestPageRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			page := testPage("p1", "https://docs.example.com/install")
			require.NoError(t, b.SavePage(ctx, page))

			got, err := b.GetPage(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, page.URL, got.URL)
			assert.Equal(t, "abc123", got.ContentHash)
			assert.Nil(t, got.LastCrawled)

			byURL, err := b.GetPageByURL(ctx, "site-1", page.URL)
			require.NoError(t, err)
			assert.Equal(t, "p1", byURL.ID)

			now := time.Now().UTC().Truncate(time.Second)
			page.LastCrawled = &now
			page.VersionCount = 1
			require.NoError(t, b.SavePage(ctx, page))
			got, err = b.GetPage(ctx, "p1")
			require.NoError(t, err)
			require.NotNil(t, got.LastCrawled)
			assert.Equal(t, 1, got.VersionCount)

			count, err := b.CountPages(ctx, "site-1")
			require.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestPagesNeedingRecrawl(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
			fresh := time.Now().UTC().Truncate(time.Second)

			stale := testPage("p-stale", "https://ex.com/stale")
			stale.LastCrawled = &old
			recent := testPage("p-recent", "https://ex.com/recent")
			recent.LastCrawled = &fresh
			never := testPage("p-never", "https://ex.com/never")
			tombstone := testPage("p-gone", "https://ex.com/gone")
			tombstone.IsTombstone = true

			for _, p := range []*types.Page{stale, recent, never, tombstone} {
				require.NoError(t, b.SavePage(ctx, p))
			}

			due, err := b.PagesNeedingRecrawl(ctx, "site-1", 24*time.Hour, 0)
			require.NoError(t, err)
			ids := pageIDs(due)
			assert.ElementsMatch(t, []string{"p-stale", "p-never"}, ids)

			// Zero max-age selects every non-tombstone page.
			all, err := b.PagesNeedingRecrawl(ctx, "site-1", 0, 0)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"p-stale", "p-never", "p-recent"}, pageIDs(all))
		})
	}
}

func pageIDs(pages []*types.Page) []string {
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestVersionRoundTrip(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v := &types.PageVersion{
				ID:          "v1",
				PageID:      "p1",
				SiteID:      "site-1",
				RunID:       "run-1",
				Markdown:    "# Title\n\nBody text.",
				ContentHash: "abc123",
				URL:         "https://ex.com/a",
				Title:       "Title",
				StatusCode:  200,
				Headings: []types.Heading{
					{Level: 1, Text: "Title"},
				},
				Outlinks:       []string{"https://ex.com/b"},
				WordCount:      3,
				CrawledAt:      time.Now().UTC().Truncate(time.Second),
				FetchLatency:   150 * time.Millisecond,
				ExtractLatency: 5 * time.Millisecond,
			}
			require.NoError(t, b.SaveVersion(ctx, v))

			got, err := b.GetVersion(ctx, "v1")
			require.NoError(t, err)
			assert.Equal(t, v.Markdown, got.Markdown)
			assert.Equal(t, v.Headings, got.Headings)
			assert.Equal(t, v.Outlinks, got.Outlinks)
			assert.Equal(t, 150*time.Millisecond, got.FetchLatency)

			list, err := b.ListVersions(ctx, "p1")
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestSaveFrontierItems(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			items := []*types.FrontierItem{
				{
					ID: "i1", RunID: "run-1", SiteID: "site-1",
					URL: "https://ex.com/a", NormalizedURL: "https://ex.com/a",
					URLHash: "h1", Priority: 100, State: types.FrontierCompleted,
					DiscoveredAt: time.Now().UTC().Truncate(time.Second),
					Domain:       "ex.com",
				},
				{
					ID: "i2", RunID: "run-1", SiteID: "site-1",
					URL: "https://ex.com/b", NormalizedURL: "https://ex.com/b",
					URLHash: "h2", Priority: 50, State: types.FrontierFailed,
					DiscoveredAt: time.Now().UTC().Truncate(time.Second),
					Domain:       "ex.com",
				},
			}
			assert.NoError(t, b.SaveFrontierItems(ctx, items))
			assert.NoError(t, b.SaveFrontierItems(ctx, nil))
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.StorageConfig{Driver: "oracle"})
	require.Error(t, err)
}
