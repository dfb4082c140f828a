package syncer

import (
	"fmt"
	"regexp"

	"kbcrawl/internal/extract"
)

// ChangeDetector hashes page text for comparison against the stored content
// hash. With normalization enabled, configured noise patterns (timestamps,
// view counters, session tokens) are stripped first so cosmetic churn does
// not register as a content change.
type ChangeDetector struct {
	normalize bool
	noise     []*regexp.Regexp
}

// NewChangeDetector compiles the noise patterns up front.
func NewChangeDetector(normalize bool, noisePatterns []string) (*ChangeDetector, error) {
	d := &ChangeDetector{normalize: normalize}
	for _, p := range noisePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("hash noise pattern %q: %w", p, err)
		}
		d.noise = append(d.noise, re)
	}
	return d, nil
}

// Hash returns the content hash of text under this detector's rules.
func (d *ChangeDetector) Hash(text string) string {
	if d.normalize {
		for _, re := range d.noise {
			text = re.ReplaceAllString(text, "")
		}
	}
	return extract.HashContent(text)
}
