// Package quality filters out pages not worth storing: boilerplate shells,
// near-empty bodies, duplicates, and content in unwanted languages.
package quality

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Issue names the first gate a page failed.
type Issue string

const (
	IssueNone             Issue = ""
	IssueTooShort         Issue = "too_short"
	IssueLowWordCount     Issue = "low_word_count"
	IssueBlockedPattern   Issue = "blocked_pattern"
	IssueDuplicateContent Issue = "duplicate_content"
	IssueWrongLanguage    Issue = "wrong_language"
)

// Result is the outcome of the gate chain.
type Result struct {
	Passed bool
	Issue  Issue
	// Detail carries context for logs: the matched pattern, the URL that
	// first used a duplicate hash, or the detected language.
	Detail string
}

func pass() Result { return Result{Passed: true} }

// Options tunes the gates. Zero values disable individual gates.
type Options struct {
	MinTextLength    int
	MinWordCount     int
	BlockPatterns    []string
	DetectLanguage   bool
	AllowedLanguages []string
}

// Gate runs content checks in a fixed order. The duplicate set is scoped to
// one Gate instance, which jobs create per run.
type Gate struct {
	minTextLength int
	minWordCount  int
	blockPatterns []*regexp.Regexp
	checkLanguage bool
	allowedLangs  map[string]struct{}

	mu         sync.Mutex
	seenHashes map[string]string // content hash -> first URL
}

// New compiles the gate chain. Invalid block patterns fail construction.
func New(opts Options) (*Gate, error) {
	g := &Gate{
		minTextLength: opts.MinTextLength,
		minWordCount:  opts.MinWordCount,
		checkLanguage: opts.DetectLanguage && len(opts.AllowedLanguages) > 0,
		allowedLangs:  make(map[string]struct{}, len(opts.AllowedLanguages)),
		seenHashes:    make(map[string]string),
	}
	for _, lang := range opts.AllowedLanguages {
		g.allowedLangs[strings.ToLower(strings.TrimSpace(lang))] = struct{}{}
	}
	for _, p := range opts.BlockPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("block pattern %q: %w", p, err)
		}
		g.blockPatterns = append(g.blockPatterns, re)
	}
	return g, nil
}

// CheckAll runs every gate against one page. Checks run cheapest-first and
// the first failure wins. A passing page registers its hash, so later
// identical pages report the first URL as the duplicate source.
func (g *Gate) CheckAll(url, text, language, contentHash string) Result {
	if g.minTextLength > 0 && len(text) < g.minTextLength {
		return Result{Issue: IssueTooShort,
			Detail: fmt.Sprintf("%d chars < %d", len(text), g.minTextLength)}
	}
	if g.minWordCount > 0 {
		if words := len(strings.Fields(text)); words < g.minWordCount {
			return Result{Issue: IssueLowWordCount,
				Detail: fmt.Sprintf("%d words < %d", words, g.minWordCount)}
		}
	}
	for _, re := range g.blockPatterns {
		if re.MatchString(text) {
			return Result{Issue: IssueBlockedPattern, Detail: re.String()}
		}
	}
	if g.checkLanguage && language != "" {
		if _, ok := g.allowedLangs[strings.ToLower(language)]; !ok {
			return Result{Issue: IssueWrongLanguage, Detail: language}
		}
	}
	if contentHash != "" {
		g.mu.Lock()
		defer g.mu.Unlock()
		if first, dup := g.seenHashes[contentHash]; dup && first != url {
			return Result{Issue: IssueDuplicateContent, Detail: first}
		}
		g.seenHashes[contentHash] = url
	}
	return pass()
}
