package crawler

import (
	"sync"
	"time"

	"kbcrawl/pkg/types"
)

// statsCollector aggregates run counters across workers.
type statsCollector struct {
	mu    sync.Mutex
	stats types.CrawlStats
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		stats: types.CrawlStats{
			StatusCodes:  make(map[int]int),
			ErrorsByType: make(map[string]int),
		},
	}
}

func (c *statsCollector) recordFetch(statusCode int, bytes int64, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if statusCode > 0 {
		c.stats.StatusCodes[statusCode]++
	}
	c.stats.BytesDownloaded += bytes
	c.stats.TotalFetchTime += latency
}

func (c *statsCollector) recordExtract(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalExtractTime += latency
}

func (c *statsCollector) recordCrawled() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PagesCrawled++
}

func (c *statsCollector) recordFailed(errType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PagesFailed++
	if errType != "" {
		c.stats.ErrorsByType[errType]++
	}
}

func (c *statsCollector) recordSkipped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PagesSkipped++
}

func (c *statsCollector) recordNew() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PagesNew++
	c.stats.PagesChanged++
}

func (c *statsCollector) recordChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PagesChanged++
}

func (c *statsCollector) recordUnchanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PagesUnchanged++
}

func (c *statsCollector) recordDeleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.PagesDeleted++
}

// snapshot finalizes derived fields and returns a copy.
func (c *statsCollector) snapshot(discovered int) types.CrawlStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stats
	out.PagesDiscovered = discovered
	if out.PagesCrawled > 0 {
		out.AvgFetchLatency = out.TotalFetchTime / time.Duration(out.PagesCrawled)
	}
	out.StatusCodes = copyMap(c.stats.StatusCodes)
	out.ErrorsByType = copyMap(c.stats.ErrorsByType)
	return out
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	if len(in) == 0 {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
