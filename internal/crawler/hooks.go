package crawler

import (
	"log/slog"

	"kbcrawl/pkg/types"
)

// Hooks are optional callbacks invoked as the crawl progresses. Every hook
// is best-effort: a panicking or slow hook must not fail the page, so calls
// are wrapped and panics logged.
//
// Redact is the one hook that feeds back into the pipeline: it may rewrite a
// version's markdown and html before persistence (stripping secrets or PII).
type Hooks struct {
	// OnPage fires after a page is persisted, changed or not.
	OnPage func(page *types.Page, version *types.PageVersion)
	// OnError fires for page-level failures.
	OnError func(url string, err error)
	// OnChange fires when a page's content hash changed (including first
	// versions).
	OnChange func(page *types.Page, version *types.PageVersion)
	// OnDeletion fires when a page is confirmed deleted and tombstoned.
	OnDeletion func(page *types.Page)
	// Redact rewrites content before it is stored.
	Redact func(markdown, html string) (string, string)
}

// safeHooks wraps Hooks with panic isolation.
type safeHooks struct {
	hooks  Hooks
	logger *slog.Logger
}

func newSafeHooks(h Hooks, logger *slog.Logger) *safeHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &safeHooks{hooks: h, logger: logger}
}

func (s *safeHooks) call(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

func (s *safeHooks) onPage(page *types.Page, version *types.PageVersion) {
	if s.hooks.OnPage != nil {
		s.call("on_page", func() { s.hooks.OnPage(page, version) })
	}
}

func (s *safeHooks) onError(url string, err error) {
	if s.hooks.OnError != nil {
		s.call("on_error", func() { s.hooks.OnError(url, err) })
	}
}

func (s *safeHooks) onChange(page *types.Page, version *types.PageVersion) {
	if s.hooks.OnChange != nil {
		s.call("on_change", func() { s.hooks.OnChange(page, version) })
	}
}

func (s *safeHooks) onDeletion(page *types.Page) {
	if s.hooks.OnDeletion != nil {
		s.call("on_deletion", func() { s.hooks.OnDeletion(page) })
	}
}

func (s *safeHooks) redact(markdown, html string) (string, string) {
	if s.hooks.Redact == nil {
		return markdown, html
	}
	outMD, outHTML := markdown, html
	s.call("redact", func() { outMD, outHTML = s.hooks.Redact(markdown, html) })
	return outMD, outHTML
}
