package store

import "database/sql"

// Schema is the complete cache schema.
const Schema = `
-- One durable record per normalized query
CREATE TABLE IF NOT EXISTS query_cache (
    normalized_query   TEXT PRIMARY KEY,
    listings_json      TEXT NOT NULL,
    source_counts_json TEXT NOT NULL,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_cache_updated ON query_cache(updated_at);

-- Search log (observability)
CREATE TABLE IF NOT EXISTS search_log (
    id           TEXT PRIMARY KEY,
    query        TEXT NOT NULL,
    result_count INTEGER NOT NULL DEFAULT 0,
    cache_state  TEXT NOT NULL DEFAULT '',
    searched_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_search_log_time ON search_log(searched_at DESC);

-- Per-endpoint rate limit rules, read by the shield middleware
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
