// Package frontier implements the prioritized URL queue that drives a crawl.
//
// Items live in an append-only arena; the heap orders arena indexes by
// priority so state transitions never move item data. Every mutating method
// takes the single frontier mutex, which keeps the heap, the seen-set, and
// the state counters consistent with each other.
package frontier

import (
	"container/heap"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"kbcrawl/internal/filter"
	"kbcrawl/pkg/types"
)

// SeedPriority outranks every computed priority so seeds are crawled first.
const SeedPriority = 1000

var (
	boostSegments  = []string{"/docs", "/guide", "/tutorial", "/api", "/reference"}
	demoteSegments = []string{"/archive", "/old", "/legacy", "/deprecated"}
)

// Config bounds the frontier and identifies the run its items belong to.
type Config struct {
	RunID      string
	SiteID     string
	MaxDepth   int
	MaxPages   int
	MaxRetries int
	Normalizer *filter.Normalizer
}

// Stats is a point-in-time snapshot of frontier state counts.
type Stats struct {
	Discovered int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Skipped    int
	MaxDepth   int
}

// entry is one heap element. Priority and seq are copied at push time; a
// retry pushes a fresh entry, and pop discards entries whose item is no
// longer pending.
type entry struct {
	index    int
	priority float64
	seq      uint64
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Frontier is the crawl queue. Safe for concurrent use.
type Frontier struct {
	mu sync.Mutex

	cfg   Config
	items []*types.FrontierItem
	heap  entryHeap
	byURL map[string]int // normalized URL -> arena index

	seq   uint64
	stats Stats
}

// New creates an empty frontier. A nil normalizer falls back to the default
// tracking-parameter set.
func New(cfg Config) *Frontier {
	if cfg.Normalizer == nil {
		cfg.Normalizer = filter.NewNormalizer(nil)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &Frontier{
		cfg:   cfg,
		byURL: make(map[string]int),
	}
}

// AddSeeds enqueues the seed URLs at depth 0 with seed priority and returns
// how many were accepted.
func (f *Frontier) AddSeeds(urls []string) int {
	added := 0
	for _, u := range urls {
		if f.add(u, "", 0, SeedPriority) {
			added++
		}
	}
	return added
}

// Add enqueues a discovered URL. It returns false when the URL was already
// seen, the depth bound is exceeded, or the page cap is reached. Priority is
// derived from depth and path.
func (f *Frontier) Add(rawURL, referrer string, depth int) bool {
	return f.add(rawURL, referrer, depth, 0)
}

func (f *Frontier) add(rawURL, referrer string, depth int, priority float64) bool {
	if depth > f.cfg.MaxDepth {
		return false
	}
	normalized := f.cfg.Normalizer.Normalize(rawURL)
	if priority == 0 {
		priority = PriorityFor(normalized, depth)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, seen := f.byURL[normalized]; seen {
		return false
	}
	if f.cfg.MaxPages > 0 && len(f.items) >= f.cfg.MaxPages {
		return false
	}

	f.seq++
	item := &types.FrontierItem{
		ID:            uuid.NewString(),
		RunID:         f.cfg.RunID,
		SiteID:        f.cfg.SiteID,
		URL:           rawURL,
		NormalizedURL: normalized,
		URLHash:       URLHash(normalized),
		Depth:         depth,
		ReferrerURL:   referrer,
		Priority:      priority,
		State:         types.FrontierPending,
		DiscoveredAt:  time.Now(),
		Domain:        f.cfg.Normalizer.Domain(normalized),
	}
	index := len(f.items)
	f.items = append(f.items, item)
	f.byURL[normalized] = index
	heap.Push(&f.heap, entry{index: index, priority: priority, seq: f.seq})

	f.stats.Discovered++
	f.stats.Pending++
	if depth > f.stats.MaxDepth {
		f.stats.MaxDepth = depth
	}
	return true
}

// GetNext pops the highest-priority pending item and marks it in progress.
// The second return is false when nothing is pending.
func (f *Frontier) GetNext() (*types.FrontierItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.popLocked()
}

// GetBatch pops up to n pending items at once.
func (f *Frontier) GetBatch(n int) []*types.FrontierItem {
	f.mu.Lock()
	defer f.mu.Unlock()

	batch := make([]*types.FrontierItem, 0, n)
	for len(batch) < n {
		item, ok := f.popLocked()
		if !ok {
			break
		}
		batch = append(batch, item)
	}
	return batch
}

func (f *Frontier) popLocked() (*types.FrontierItem, bool) {
	for f.heap.Len() > 0 {
		e := heap.Pop(&f.heap).(entry)
		item := f.items[e.index]
		// Entries outlive state changes; skip anything no longer pending.
		if item.State != types.FrontierPending {
			continue
		}
		now := time.Now()
		item.State = types.FrontierInProgress
		item.StartedAt = &now
		f.stats.Pending--
		f.stats.InProgress++
		return item, true
	}
	return nil, false
}

// MarkCompleted finalizes an in-progress item, keyed by normalized URL.
func (f *Frontier) MarkCompleted(normalized string) {
	f.finish(normalized, types.FrontierCompleted, "")
}

// MarkSkipped finalizes an item that was fetched but not persisted, recording
// why.
func (f *Frontier) MarkSkipped(normalized, reason string) {
	f.finish(normalized, types.FrontierSkipped, reason)
}

// MarkFailed records a failure. The item is re-queued at half its priority
// until the retry budget is exhausted, then parked as failed. The return
// value reports whether the item is now terminally failed.
func (f *Frontier) MarkFailed(normalized, errMsg string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	index, ok := f.byURL[normalized]
	if !ok {
		return false
	}
	item := f.items[index]
	if item.State != types.FrontierInProgress {
		return false
	}
	item.RetryCount++
	item.LastError = errMsg
	f.stats.InProgress--

	if item.RetryCount > f.cfg.MaxRetries {
		now := time.Now()
		item.State = types.FrontierFailed
		item.CompletedAt = &now
		f.stats.Failed++
		return true
	}

	item.Priority /= 2
	item.State = types.FrontierPending
	item.StartedAt = nil
	f.seq++
	heap.Push(&f.heap, entry{index: index, priority: item.Priority, seq: f.seq})
	f.stats.Pending++
	return false
}

// MarkGone finalizes an in-progress item as failed without spending retries.
// Used for permanent conditions such as 404 and 410 responses.
func (f *Frontier) MarkGone(normalized, errMsg string) {
	f.finish(normalized, types.FrontierFailed, errMsg)
}

// ReturnToQueue puts an in-progress item back at its original priority
// without counting a retry. Used when a domain's circuit refuses the slot.
func (f *Frontier) ReturnToQueue(normalized string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index, ok := f.byURL[normalized]
	if !ok {
		return
	}
	item := f.items[index]
	if item.State != types.FrontierInProgress {
		return
	}
	item.State = types.FrontierPending
	item.StartedAt = nil
	f.seq++
	heap.Push(&f.heap, entry{index: index, priority: item.Priority, seq: f.seq})
	f.stats.InProgress--
	f.stats.Pending++
}

func (f *Frontier) finish(normalized string, state types.FrontierState, errMsg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index, ok := f.byURL[normalized]
	if !ok {
		return
	}
	item := f.items[index]
	if item.State != types.FrontierInProgress {
		return
	}
	now := time.Now()
	item.State = state
	item.CompletedAt = &now
	if errMsg != "" {
		item.LastError = errMsg
	}
	f.stats.InProgress--
	switch state {
	case types.FrontierCompleted:
		f.stats.Completed++
	case types.FrontierFailed:
		f.stats.Failed++
	case types.FrontierSkipped:
		f.stats.Skipped++
	}
}

// IsEmpty reports whether the crawl can stop: nothing pending and nothing in
// flight. In-progress items count as non-empty because they may discover new
// links.
func (f *Frontier) IsEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats.Pending == 0 && f.stats.InProgress == 0
}

// Len returns the number of pending items.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats.Pending
}

// Stats returns a snapshot of the state counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Items returns every item ever admitted, in discovery order. Used to
// persist frontier state at the end of a run.
func (f *Frontier) Items() []*types.FrontierItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.FrontierItem, len(f.items))
	copy(out, f.items)
	return out
}

// PriorityFor computes a URL's crawl priority. Shallow pages score higher;
// documentation-like paths are boosted and archival paths demoted.
func PriorityFor(normalized string, depth int) float64 {
	p := 100.0 / float64(depth+1)
	u, err := url.Parse(normalized)
	if err != nil {
		return p
	}
	path := strings.ToLower(u.Path)
	for _, seg := range boostSegments {
		if strings.Contains(path, seg) {
			p *= 1.5
			break
		}
	}
	for _, seg := range demoteSegments {
		if strings.Contains(path, seg) {
			p *= 0.5
			break
		}
	}
	return p
}

// URLHash returns the stable identifier used for pages and frontier dedup.
func URLHash(normalized string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalized))
}
