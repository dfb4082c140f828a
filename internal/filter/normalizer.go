// Package filter decides which URLs are admitted to the crawl frontier and
// provides deterministic URL canonicalization for deduplication.
package filter

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// defaultTrackingParams are query parameters stripped during normalization
// regardless of configuration.
var defaultTrackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"ref":          {},
	"source":       {},
}

var multiSlash = regexp.MustCompile(`/{2,}`)

// Normalizer canonicalizes URLs so equivalent forms map to one string.
// Normalization is deterministic and idempotent: normalizing an already
// normalized URL is a no-op.
type Normalizer struct {
	stripParams map[string]struct{}
}

// NewNormalizer builds a normalizer that additionally strips the given query
// parameters on top of the default tracking set.
func NewNormalizer(stripParams []string) *Normalizer {
	strip := make(map[string]struct{}, len(defaultTrackingParams)+len(stripParams))
	for k := range defaultTrackingParams {
		strip[k] = struct{}{}
	}
	for _, k := range stripParams {
		k = strings.TrimSpace(k)
		if k != "" {
			strip[k] = struct{}{}
		}
	}
	return &Normalizer{stripParams: strip}
}

// Normalize canonicalizes a URL: lower-cases scheme and host, strips default
// ports, fragments, and tracking parameters, sorts the remaining query
// parameters, collapses duplicate slashes, and trims the trailing slash
// except for the root path. Unparseable input is returned unchanged.
func (n *Normalizer) Normalize(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && port != defaultPort(scheme) {
		host += ":" + port
	}

	path := multiSlash.ReplaceAllString(u.EscapedPath(), "/")
	if path == "" {
		path = "/"
	}
	for path != "/" && strings.HasSuffix(path, "/") {
		path = strings.TrimSuffix(path, "/")
	}

	query := ""
	if u.RawQuery != "" {
		values, err := url.ParseQuery(u.RawQuery)
		if err == nil {
			keys := make([]string, 0, len(values))
			for k := range values {
				if _, drop := n.stripParams[k]; drop {
					continue
				}
				keys = append(keys, k)
			}
			sort.Strings(keys)
			var sb strings.Builder
			for _, k := range keys {
				vals := append([]string(nil), values[k]...)
				sort.Strings(vals)
				for _, v := range vals {
					if sb.Len() > 0 {
						sb.WriteByte('&')
					}
					sb.WriteString(url.QueryEscape(k))
					sb.WriteByte('=')
					sb.WriteString(url.QueryEscape(v))
				}
			}
			query = sb.String()
		}
	}

	normalized := scheme + "://" + host + path
	if query != "" {
		normalized += "?" + query
	}
	return normalized
}

// Domain extracts the lower-cased hostname (without port) from a URL.
func (n *Normalizer) Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// RegisteredDomain approximates the eTLD+1 for subdomain matching: the last
// two labels of the hostname. Good enough for the allow-list semantics here;
// hosts with multi-label public suffixes should be listed explicitly.
func RegisteredDomain(host string) string {
	parts := strings.Split(strings.ToLower(host), ".")
	if len(parts) <= 2 {
		return strings.ToLower(host)
	}
	return strings.Join(parts[len(parts)-2:], ".")
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
