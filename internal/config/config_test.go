package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromReaderMergesOverDefaults(t *testing.T) {
	yml := `
crawl:
  seeds:
    - https://docs.example.com
  max_pages: 50
  request_timeout: 10s
limits:
  concurrency: 3
  circuit_cooldown: 90s
storage:
  driver: memory
robots:
  mode: "off"
sync:
  strategies: [sitemap, hash]
  max_age: 24h
`
	cfg, err := LoadFromReader(strings.NewReader(yml))
	require.NoError(t, err)

	assert.Equal(t, []string{"https://docs.example.com"}, cfg.Crawl.Seeds)
	assert.Equal(t, 50, cfg.Crawl.MaxPages)
	assert.Equal(t, 10*time.Second, cfg.Crawl.RequestTimeout.Duration)
	assert.Equal(t, 3, cfg.Limits.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Limits.CircuitCooldown.Duration)
	assert.Equal(t, []string{"sitemap", "hash"}, cfg.Sync.Strategies)
	assert.Equal(t, 24*time.Hour, cfg.Sync.MaxAge.Duration)

	// Defaults survive where the file is silent.
	assert.Equal(t, 10, cfg.Crawl.MaxDepth)
	assert.Equal(t, 2, cfg.Sync.DeletionThreshold)
	assert.Equal(t, "kbcrawl-bot/1.0", cfg.Crawl.UserAgent)
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("crawl:\n  maximum_pages: 5\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "sqlite requires a path",
			mutate:  func(c *Config) { c.Storage.Path = "" },
			wantErr: "storage.path",
		},
		{
			name: "postgres requires a dsn",
			mutate: func(c *Config) {
				c.Storage.Driver = "postgres"
				c.Storage.DSN = ""
			},
			wantErr: "storage.dsn",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "etcd" },
			wantErr: "storage driver",
		},
		{
			name:    "negative depth",
			mutate:  func(c *Config) { c.Crawl.MaxDepth = -1 },
			wantErr: "max_depth",
		},
		{
			name:    "zero page budget",
			mutate:  func(c *Config) { c.Crawl.MaxPages = 0 },
			wantErr: "max_pages",
		},
		{
			name:    "missing user agent",
			mutate:  func(c *Config) { c.Crawl.UserAgent = " " },
			wantErr: "user_agent",
		},
		{
			name:    "bad robots mode",
			mutate:  func(c *Config) { c.Robots.Mode = "lenient" },
			wantErr: "robots mode",
		},
		{
			name:    "bad sync strategy",
			mutate:  func(c *Config) { c.Sync.Strategies = []string{"guess"} },
			wantErr: "sync strategy",
		},
		{
			name:    "zero deletion threshold",
			mutate:  func(c *Config) { c.Sync.DeletionThreshold = 0 },
			wantErr: "deletion_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			cfg.Normalise()
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNormalise(t *testing.T) {
	cfg := Default()
	cfg.Crawl.Seeds = []string{" https://a.example ", "", "https://b.example"}
	cfg.Crawl.AllowedDomains = []string{"Docs.Example.COM", "docs.example.com", " "}
	cfg.Robots.Mode = " Strict "
	cfg.Robots.UserAgent = ""
	cfg.Crawl.UserAgent = " custom-bot/2.0 "
	cfg.Normalise()

	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Crawl.Seeds)
	assert.Equal(t, []string{"docs.example.com"}, cfg.Crawl.AllowedDomains)
	assert.Equal(t, "strict", cfg.Robots.Mode)
	assert.Equal(t, "custom-bot/2.0", cfg.Crawl.UserAgent)
	assert.Equal(t, "custom-bot/2.0", cfg.Robots.UserAgent, "robots user agent falls back to the crawl one")
}

func TestDurationAcceptsStringsAndSeconds(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("crawl:\n  request_timeout: 90\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Crawl.RequestTimeout.Duration)

	cfg, err = LoadFromReader(strings.NewReader("crawl:\n  request_timeout: 1m30s\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Crawl.RequestTimeout.Duration)

	_, err = LoadFromReader(strings.NewReader("crawl:\n  request_timeout: soon\n"))
	require.Error(t, err)
}
