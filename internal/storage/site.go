package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"kbcrawl/pkg/types"
)

// DeriveSiteID computes a stable site identifier from its seed URLs, so
// repeated runs against the same seeds share one site record. Seed order
// does not matter.
func DeriveSiteID(seeds []string) string {
	sorted := make([]string, len(seeds))
	copy(sorted, seeds)
	sort.Strings(sorted)
	return fmt.Sprintf("site-%012x", xxhash.Sum64String(strings.Join(sorted, "\n"))&0xffffffffffff)
}

// EnsureSite loads the site record for the given identity, creating it on
// first contact and refreshing its scope fields otherwise.
func EnsureSite(ctx context.Context, b Backend, id, name string, seeds, domains []string, allowSubdomains bool) (*types.Site, error) {
	if id == "" {
		id = DeriveSiteID(seeds)
	}
	now := time.Now()

	site, err := b.GetSite(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		site = &types.Site{
			ID:              id,
			Name:            name,
			Seeds:           seeds,
			AllowedDomains:  domains,
			AllowSubdomains: allowSubdomains,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	case err != nil:
		return nil, err
	default:
		if name != "" {
			site.Name = name
		}
		site.Seeds = seeds
		site.AllowedDomains = domains
		site.AllowSubdomains = allowSubdomains
		site.UpdatedAt = now
	}
	if err := b.SaveSite(ctx, site); err != nil {
		return nil, err
	}
	return site, nil
}
