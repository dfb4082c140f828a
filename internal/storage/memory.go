package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"kbcrawl/pkg/types"
)

// Memory is an in-process Backend used by tests and dry runs. Values are
// copied on the way in and out so callers cannot alias stored state.
type Memory struct {
	mu       sync.RWMutex
	sites    map[string]types.Site
	runs     map[string]types.CrawlRun
	pages    map[string]types.Page // keyed by page ID
	versions map[string]types.PageVersion
	frontier map[string]types.FrontierItem
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		sites:    make(map[string]types.Site),
		runs:     make(map[string]types.CrawlRun),
		pages:    make(map[string]types.Page),
		versions: make(map[string]types.PageVersion),
		frontier: make(map[string]types.FrontierItem),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) SaveSite(_ context.Context, site *types.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites[site.ID] = *site
	return nil
}

func (m *Memory) GetSite(_ context.Context, id string) (*types.Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	site, ok := m.sites[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &site, nil
}

func (m *Memory) ListSites(_ context.Context) ([]*types.Site, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sites := make([]*types.Site, 0, len(m.sites))
	for id := range m.sites {
		site := m.sites[id]
		sites = append(sites, &site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].CreatedAt.Before(sites[j].CreatedAt) })
	return sites, nil
}

func (m *Memory) SaveRun(_ context.Context, run *types.CrawlRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*types.CrawlRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

func (m *Memory) ListRuns(_ context.Context, siteID string, limit int) ([]*types.CrawlRun, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]*types.CrawlRun, 0)
	for id := range m.runs {
		if m.runs[id].SiteID != siteID {
			continue
		}
		run := m.runs[id]
		runs = append(runs, &run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) SavePage(_ context.Context, page *types.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page.ID] = *page
	return nil
}

func (m *Memory) GetPage(_ context.Context, id string) (*types.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	page, ok := m.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &page, nil
}

func (m *Memory) GetPageByURL(_ context.Context, siteID, normalizedURL string) (*types.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.pages {
		if m.pages[id].SiteID == siteID && m.pages[id].URL == normalizedURL {
			page := m.pages[id]
			return &page, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListPages(_ context.Context, siteID string, limit int) ([]*types.Page, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pages := make([]*types.Page, 0)
	for id := range m.pages {
		if m.pages[id].SiteID != siteID {
			continue
		}
		page := m.pages[id]
		pages = append(pages, &page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].URL < pages[j].URL })
	if len(pages) > limit {
		pages = pages[:limit]
	}
	return pages, nil
}

func (m *Memory) PagesNeedingRecrawl(_ context.Context, siteID string, maxAge time.Duration, limit int) ([]*types.Page, error) {
	if limit <= 0 {
		limit = 1000
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	pages := make([]*types.Page, 0)
	for id := range m.pages {
		p := m.pages[id]
		if p.SiteID != siteID || !p.NeedsRecrawl(maxAge) {
			continue
		}
		page := p
		pages = append(pages, &page)
	}
	sort.Slice(pages, func(i, j int) bool {
		li, lj := pages[i].LastCrawled, pages[j].LastCrawled
		switch {
		case li == nil:
			return true
		case lj == nil:
			return false
		default:
			return li.Before(*lj)
		}
	})
	if len(pages) > limit {
		pages = pages[:limit]
	}
	return pages, nil
}

func (m *Memory) CountPages(_ context.Context, siteID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for id := range m.pages {
		if m.pages[id].SiteID == siteID {
			count++
		}
	}
	return count, nil
}

func (m *Memory) SaveVersion(_ context.Context, v *types.PageVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[v.ID] = *v
	return nil
}

func (m *Memory) GetVersion(_ context.Context, id string) (*types.PageVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *Memory) ListVersions(_ context.Context, pageID string) ([]*types.PageVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := make([]*types.PageVersion, 0)
	for id := range m.versions {
		if m.versions[id].PageID != pageID {
			continue
		}
		v := m.versions[id]
		versions = append(versions, &v)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CrawledAt.Before(versions[j].CrawledAt)
	})
	return versions, nil
}

func (m *Memory) SaveFrontierItems(_ context.Context, items []*types.FrontierItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range items {
		m.frontier[item.ID] = *item
	}
	return nil
}
