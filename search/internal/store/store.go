// Package store is the persistent cache tier: one durable record per
// normalized query, replaced wholesale on every full or partial refresh and
// pruned by age. Serialization of listings and counts is the caller's
// concern; the store sees opaque JSON.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store wraps the cache database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened database connection.
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Record is one cached query result as stored.
type Record struct {
	NormalizedQuery  string
	ListingsJSON     string
	SourceCountsJSON string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Get returns the record for the normalized query, or nil if absent.
func (s *Store) Get(ctx context.Context, normalizedQuery string) (*Record, error) {
	var r Record
	var created, updated int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT normalized_query, listings_json, source_counts_json, created_at, updated_at
		FROM query_cache WHERE normalized_query = ?`, normalizedQuery).
		Scan(&r.NormalizedQuery, &r.ListingsJSON, &r.SourceCountsJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", normalizedQuery, err)
	}
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return &r, nil
}

// Put upserts the record for the normalized query. On conflict the listings
// and counts are replaced and updated_at refreshed; created_at is preserved
// across updates. The write is a single statement, atomic per key.
func (s *Store) Put(ctx context.Context, normalizedQuery, listingsJSON, countsJSON string) error {
	now := time.Now().UnixMilli()
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO query_cache (normalized_query, listings_json, source_counts_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(normalized_query) DO UPDATE SET
			listings_json = excluded.listings_json,
			source_counts_json = excluded.source_counts_json,
			updated_at = excluded.updated_at`,
		normalizedQuery, listingsJSON, countsJSON, now, now)
	if err != nil {
		return fmt.Errorf("put %q: %w", normalizedQuery, err)
	}
	return nil
}

// Prune deletes all records whose updated_at is older than maxAge and
// returns the number deleted. Runs at startup and on the pruner schedule,
// never on the read path.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM query_cache WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats holds aggregate cache counters for the health endpoint.
type Stats struct {
	Records     int       `json:"records"`
	LastUpdated time.Time `json:"last_updated"`
}

// CacheStats returns aggregate counters over the persistent tier.
func (s *Store) CacheStats(ctx context.Context) (*Stats, error) {
	var st Stats
	var last sql.NullInt64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(updated_at) FROM query_cache`).Scan(&st.Records, &last)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if last.Valid {
		st.LastUpdated = time.UnixMilli(last.Int64)
	}
	return &st, nil
}

// LogSearch records a search in the write log. Fire-and-forget: failures
// are ignored, a full log never blocks a search.
func (s *Store) LogSearch(ctx context.Context, query string, resultCount int, cacheState string) {
	s.DB.ExecContext(ctx,
		`INSERT INTO search_log (id, query, result_count, cache_state, searched_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), query, resultCount, cacheState, time.Now().UnixMilli())
}
