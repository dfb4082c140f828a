package filter

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Reason classifies why a URL was rejected. Checks run in a fixed order, so
// a URL failing several rules always reports the same reason.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonInvalidURL       Reason = "invalid_url"
	ReasonInvalidScheme    Reason = "invalid_scheme"
	ReasonDepthExceeded    Reason = "depth_exceeded"
	ReasonDomainNotAllowed Reason = "domain_not_allowed"
	ReasonPathNotAllowed   Reason = "path_not_allowed"
	ReasonBlockedExtension Reason = "blocked_extension"
	ReasonExcludedPattern  Reason = "excluded_pattern"
	ReasonNoIncludeMatch   Reason = "no_include_match"
)

// Verdict is the outcome of a filter check.
type Verdict struct {
	Allowed bool
	Reason  Reason
}

func allow() Verdict          { return Verdict{Allowed: true} }
func reject(r Reason) Verdict { return Verdict{Reason: r} }

// LinkFilter decides whether a discovered URL belongs in the crawl scope.
type LinkFilter struct {
	allowedSchemes  map[string]struct{}
	allowedDomains  []string
	allowSubdomains bool
	pathPrefixes    []string
	blockedExts     map[string]struct{}
	include         []*regexp.Regexp
	exclude         []*regexp.Regexp
	maxDepth        int
}

// Options configures a LinkFilter. Zero-value slices disable the
// corresponding rule.
type Options struct {
	AllowedSchemes      []string
	AllowedDomains      []string
	AllowSubdomains     bool
	AllowedPathPrefixes []string
	BlockedExtensions   []string
	IncludePatterns     []string
	ExcludePatterns     []string
	MaxDepth            int
}

// NewLinkFilter compiles the filter. Pattern compilation errors are returned
// up front so a bad config fails the run before any fetch happens.
func NewLinkFilter(opts Options) (*LinkFilter, error) {
	f := &LinkFilter{
		allowedSchemes:  make(map[string]struct{}, len(opts.AllowedSchemes)),
		allowedDomains:  make([]string, 0, len(opts.AllowedDomains)),
		allowSubdomains: opts.AllowSubdomains,
		pathPrefixes:    opts.AllowedPathPrefixes,
		blockedExts:     make(map[string]struct{}, len(opts.BlockedExtensions)),
		maxDepth:        opts.MaxDepth,
	}
	for _, s := range opts.AllowedSchemes {
		f.allowedSchemes[strings.ToLower(s)] = struct{}{}
	}
	if len(f.allowedSchemes) == 0 {
		f.allowedSchemes["http"] = struct{}{}
		f.allowedSchemes["https"] = struct{}{}
	}
	for _, d := range opts.AllowedDomains {
		f.allowedDomains = append(f.allowedDomains, strings.ToLower(strings.TrimSpace(d)))
	}
	for _, ext := range opts.BlockedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if ext != "" {
			f.blockedExts[ext] = struct{}{}
		}
	}
	var err error
	if f.include, err = compilePatterns(opts.IncludePatterns); err != nil {
		return nil, fmt.Errorf("compile include patterns: %w", err)
	}
	if f.exclude, err = compilePatterns(opts.ExcludePatterns); err != nil {
		return nil, fmt.Errorf("compile exclude patterns: %w", err)
	}
	return f, nil
}

// Check runs every admission rule against a normalized URL at the given
// depth. Rules run in order and the first failure wins; exclude patterns are
// checked before include patterns so an exclusion always dominates.
func (f *LinkFilter) Check(normalized string, depth int) Verdict {
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return reject(ReasonInvalidURL)
	}
	if _, ok := f.allowedSchemes[strings.ToLower(u.Scheme)]; !ok {
		return reject(ReasonInvalidScheme)
	}
	if f.maxDepth >= 0 && depth > f.maxDepth {
		return reject(ReasonDepthExceeded)
	}
	if !f.domainAllowed(strings.ToLower(u.Hostname())) {
		return reject(ReasonDomainNotAllowed)
	}
	if len(f.pathPrefixes) > 0 {
		matched := false
		for _, p := range f.pathPrefixes {
			if strings.HasPrefix(u.Path, p) {
				matched = true
				break
			}
		}
		if !matched {
			return reject(ReasonPathNotAllowed)
		}
	}
	if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
		if _, blocked := f.blockedExts[ext]; blocked {
			return reject(ReasonBlockedExtension)
		}
	}
	for _, re := range f.exclude {
		if re.MatchString(normalized) {
			return reject(ReasonExcludedPattern)
		}
	}
	if len(f.include) > 0 {
		for _, re := range f.include {
			if re.MatchString(normalized) {
				return allow()
			}
		}
		return reject(ReasonNoIncludeMatch)
	}
	return allow()
}

// domainAllowed reports whether the host is in scope. An empty allow-list
// admits every domain; with subdomains enabled, a host matches when it equals
// an allowed domain or is a subdomain of one.
func (f *LinkFilter) domainAllowed(host string) bool {
	if len(f.allowedDomains) == 0 {
		return true
	}
	for _, d := range f.allowedDomains {
		if host == d {
			return true
		}
		if f.allowSubdomains && strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
