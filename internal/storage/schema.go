package storage

import "strings"

// schemaDDL is shared between the SQLite and Postgres backends. The only
// dialect difference is the timestamp column type, substituted at open time.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS sites (
    site_id          TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    seeds            TEXT NOT NULL DEFAULT '[]',
    allowed_domains  TEXT NOT NULL DEFAULT '[]',
    allow_subdomains BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       %TS% NOT NULL,
    updated_at       %TS% NOT NULL,
    last_sync_at     %TS%,
    total_runs       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runs (
    run_id            TEXT PRIMARY KEY,
    site_id           TEXT NOT NULL,
    status            TEXT NOT NULL,
    error_message     TEXT NOT NULL DEFAULT '',
    created_at        %TS% NOT NULL,
    started_at        %TS%,
    completed_at      %TS%,
    seeds             TEXT NOT NULL DEFAULT '[]',
    is_sync           BOOLEAN NOT NULL DEFAULT FALSE,
    stats             TEXT NOT NULL DEFAULT '{}',
    frontier_size     INTEGER NOT NULL DEFAULT 0,
    max_depth_reached INTEGER NOT NULL DEFAULT 0,
    config_snapshot   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_site_created ON runs (site_id, created_at);

CREATE TABLE IF NOT EXISTS pages (
    page_id            TEXT PRIMARY KEY,
    site_id            TEXT NOT NULL,
    url                TEXT NOT NULL,
    canonical_url      TEXT NOT NULL DEFAULT '',
    current_version_id TEXT NOT NULL DEFAULT '',
    content_hash       TEXT NOT NULL DEFAULT '',
    etag               TEXT NOT NULL DEFAULT '',
    last_modified      TEXT NOT NULL DEFAULT '',
    first_seen         %TS% NOT NULL,
    last_seen          %TS% NOT NULL,
    last_crawled       %TS%,
    last_changed       %TS%,
    depth              INTEGER NOT NULL DEFAULT 0,
    referrer_url       TEXT NOT NULL DEFAULT '',
    status_code        INTEGER NOT NULL DEFAULT 0,
    is_tombstone       BOOLEAN NOT NULL DEFAULT FALSE,
    error_count        INTEGER NOT NULL DEFAULT 0,
    last_error         TEXT NOT NULL DEFAULT '',
    version_count      INTEGER NOT NULL DEFAULT 0,
    UNIQUE (site_id, url)
);
CREATE INDEX IF NOT EXISTS idx_pages_site_crawled ON pages (site_id, last_crawled);

CREATE TABLE IF NOT EXISTS page_versions (
    version_id          TEXT PRIMARY KEY,
    page_id             TEXT NOT NULL,
    site_id             TEXT NOT NULL,
    run_id              TEXT NOT NULL DEFAULT '',
    markdown            TEXT NOT NULL DEFAULT '',
    html                TEXT NOT NULL DEFAULT '',
    content_hash        TEXT NOT NULL DEFAULT '',
    url                 TEXT NOT NULL,
    canonical_url       TEXT NOT NULL DEFAULT '',
    title               TEXT NOT NULL DEFAULT '',
    description         TEXT NOT NULL DEFAULT '',
    content_type        TEXT NOT NULL DEFAULT '',
    status_code         INTEGER NOT NULL DEFAULT 0,
    language            TEXT NOT NULL DEFAULT '',
    headings            TEXT NOT NULL DEFAULT '[]',
    word_count          INTEGER NOT NULL DEFAULT 0,
    char_count          INTEGER NOT NULL DEFAULT 0,
    outlinks            TEXT NOT NULL DEFAULT '[]',
    internal_link_count INTEGER NOT NULL DEFAULT 0,
    external_link_count INTEGER NOT NULL DEFAULT 0,
    etag                TEXT NOT NULL DEFAULT '',
    last_modified       TEXT NOT NULL DEFAULT '',
    crawled_at          %TS% NOT NULL,
    fetch_latency_ms    BIGINT NOT NULL DEFAULT 0,
    extract_latency_ms  BIGINT NOT NULL DEFAULT 0,
    is_tombstone        BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_versions_page_crawled ON page_versions (page_id, crawled_at);

CREATE TABLE IF NOT EXISTS frontier_items (
    item_id        TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL,
    site_id        TEXT NOT NULL,
    url            TEXT NOT NULL,
    normalized_url TEXT NOT NULL,
    url_hash       TEXT NOT NULL,
    depth          INTEGER NOT NULL DEFAULT 0,
    referrer_url   TEXT NOT NULL DEFAULT '',
    priority       DOUBLE PRECISION NOT NULL DEFAULT 0,
    state          TEXT NOT NULL,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT NOT NULL DEFAULT '',
    discovered_at  %TS% NOT NULL,
    started_at     %TS%,
    completed_at   %TS%,
    domain         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_frontier_run ON frontier_items (run_id);
`

func schemaFor(driver string) []string {
	ts := "TIMESTAMP"
	if driver == "postgres" {
		ts = "TIMESTAMPTZ"
	}
	ddl := strings.ReplaceAll(schemaDDL, "%TS%", ts)

	stmts := make([]string, 0, 16)
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
