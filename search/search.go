package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stlhound/stlhound/search/internal/store"
)

// Service coordinates query resolution: memory cache, persistent cache,
// partial or full fetch, merge, and write-through. Safe for concurrent use;
// requests for distinct normalized queries run in parallel while requests
// for the same normalized query share a single flight.
type Service struct {
	cfg      Config
	adapters map[Source]Adapter
	order    []Source
	mem      *memoryCache
	store    *store.Store
	flight   singleflight.Group
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates the aggregation service on an already-opened cache database.
// The cache schema is applied idempotently. Adapters are keyed by their
// source tag; the merged output follows SourceOrder restricted to the
// sources an adapter was registered for.
func New(db *sql.DB, adapters []Adapter, cfg Config, opts ...Option) (*Service, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("search: config: %w", err)
	}
	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("search: apply schema: %w", err)
	}

	bySource := make(map[Source]Adapter, len(adapters))
	for _, a := range adapters {
		if !a.Source().Valid() {
			return nil, fmt.Errorf("search: unknown source %q", a.Source())
		}
		if _, dup := bySource[a.Source()]; dup {
			return nil, fmt.Errorf("search: duplicate adapter for %q", a.Source())
		}
		bySource[a.Source()] = a
	}
	var order []Source
	for _, src := range SourceOrder {
		if _, ok := bySource[src]; ok {
			order = append(order, src)
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("search: no adapters registered")
	}

	s := &Service{
		cfg:      cfg,
		adapters: bySource,
		order:    order,
		mem:      newMemoryCache(cfg.MemoryTTL),
		store:    store.New(db),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Search resolves a query to a merged result, serving from cache when
// possible. The only error it returns is ErrInvalidQuery; every failure
// below this boundary is absorbed into per-source zero counts.
func (s *Service) Search(ctx context.Context, query string) (*QueryResult, error) {
	normalized := NormalizeQuery(query)
	if normalized == "" {
		return nil, ErrInvalidQuery
	}

	if r := s.mem.Get(normalized); r != nil {
		s.store.LogSearch(ctx, normalized, len(r.Listings), "memory_hit")
		return r, nil
	}

	// One flight per normalized query: callers arriving while a fetch is
	// in progress attach to it and receive the same result. The flight
	// runs on a context detached from the caller so a disconnect never
	// cancels the fetch other waiters (and the cache) depend on.
	v, err, _ := s.flight.Do(normalized, func() (any, error) {
		return s.resolve(context.WithoutCancel(ctx), normalized), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*QueryResult), nil
}

// resolve runs the cache decision rule and, when needed, the fetch/merge/
// persist cycle. Called at most once per normalized query at a time.
func (s *Service) resolve(ctx context.Context, normalized string) *QueryResult {
	// A waiter may attach right after the previous flight populated the
	// memory cache; re-check before doing any work.
	if r := s.mem.Get(normalized); r != nil {
		return r
	}

	cached := s.loadPersistent(ctx, normalized)

	var carried []Listing
	var targets []Source
	state := "full_fetch"

	if cached != nil {
		stale := s.staleSources(cached)
		if len(stale) == 0 {
			s.mem.Put(normalized, cached)
			s.store.LogSearch(ctx, normalized, len(cached.Listings), "persistent_hit")
			return cached
		}
		// Re-fetch only the sources whose last attempt yielded nothing;
		// everything else is carried over verbatim.
		state = "partial_refresh"
		targets = stale
		carried = carriedListings(cached.Listings, stale)
	} else {
		targets = s.order
	}

	fetched := s.fanOut(ctx, normalized, targets)
	merged := s.merge(normalized, carried, fetched)

	s.persist(ctx, merged)
	s.mem.Put(normalized, merged)
	s.store.LogSearch(ctx, normalized, len(merged.Listings), state)

	s.logger.Info("search resolved",
		"query", normalized, "state", state,
		"total", len(merged.Listings), "fetched_sources", len(targets))
	return merged
}

// staleSources returns, in fixed order, every registered source whose count
// in the cached record is zero (including sources absent from the map).
func (s *Service) staleSources(r *QueryResult) []Source {
	var stale []Source
	for _, src := range s.order {
		if r.SourceCounts[src] == 0 {
			stale = append(stale, src)
		}
	}
	return stale
}

// carriedListings filters the cached listings down to sources that are not
// being re-fetched, preserving their stored order byte-for-byte.
func carriedListings(listings []Listing, refetch []Source) []Listing {
	skip := make(map[Source]bool, len(refetch))
	for _, src := range refetch {
		skip[src] = true
	}
	var carried []Listing
	for _, l := range listings {
		if !skip[l.Source] {
			carried = append(carried, l)
		}
	}
	return carried
}

// fanOut fetches the selected sources concurrently and waits for all of
// them to settle. One source failing, timing out, or panicking only zeroes
// that source's group; it never cancels or delays the others.
func (s *Service) fanOut(ctx context.Context, query string, sources []Source) map[Source][]Listing {
	groups := make([][]Listing, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			groups[i] = s.fetchOne(ctx, src, query)
		}()
	}
	wg.Wait()

	out := make(map[Source][]Listing, len(sources))
	for i, src := range sources {
		out[src] = groups[i]
	}
	return out
}

// fetchOne runs a single adapter under the per-source time budget and
// normalizes its output. Any failure degrades to an empty group.
func (s *Service) fetchOne(ctx context.Context, src Source, query string) (listings []Listing) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("adapter panic", "source", src, "query", query, "panic", rec)
			listings = nil
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, s.cfg.AdapterTimeout)
	defer cancel()

	start := time.Now()
	raw, err := s.adapters[src].Fetch(fctx, query)
	if err != nil {
		s.logger.Warn("source fetch failed",
			"source", src, "query", query,
			"error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	}

	if len(raw) > s.cfg.MaxPerSource {
		raw = raw[:s.cfg.MaxPerSource]
	}
	listings = make([]Listing, 0, len(raw))
	for _, r := range raw {
		// No stable ID without a source URL.
		if strings.TrimSpace(r.SourceURL) == "" {
			continue
		}
		listings = append(listings, NormalizeListing(src, r))
	}
	return listings
}

// merge assembles the final record: source groups in fixed order, each
// group either freshly fetched or carried over, counts recomputed from the
// merged set.
func (s *Service) merge(normalized string, carried []Listing, fetched map[Source][]Listing) *QueryResult {
	byCarried := make(map[Source][]Listing)
	for _, l := range carried {
		byCarried[l.Source] = append(byCarried[l.Source], l)
	}

	counts := make(map[Source]int, len(s.order))
	var listings []Listing
	for _, src := range s.order {
		group, wasFetched := fetched[src]
		if !wasFetched {
			group = byCarried[src]
		}
		listings = append(listings, group...)
		counts[src] = len(group)
	}

	return &QueryResult{
		NormalizedQuery: normalized,
		Listings:        listings,
		SourceCounts:    counts,
		UpdatedAt:       time.Now(),
	}
}

// loadPersistent reads and decodes the persistent record. Read or decode
// failures degrade to a miss: the query is re-fetched instead of erroring.
func (s *Service) loadPersistent(ctx context.Context, normalized string) *QueryResult {
	rec, err := s.store.Get(ctx, normalized)
	if err != nil {
		s.logger.Warn("persistent cache read failed", "query", normalized, "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}

	var listings []Listing
	if err := json.Unmarshal([]byte(rec.ListingsJSON), &listings); err != nil {
		s.logger.Warn("cached listings corrupt", "query", normalized, "error", err)
		return nil
	}
	counts := make(map[Source]int)
	if err := json.Unmarshal([]byte(rec.SourceCountsJSON), &counts); err != nil {
		s.logger.Warn("cached counts corrupt", "query", normalized, "error", err)
		return nil
	}

	return &QueryResult{
		NormalizedQuery: rec.NormalizedQuery,
		Listings:        listings,
		SourceCounts:    counts,
		UpdatedAt:       rec.UpdatedAt,
	}
}

// persist writes the merged record through to the durable tier. A write
// failure degrades the system to "always fetch" for this query; it never
// fails the request.
func (s *Service) persist(ctx context.Context, r *QueryResult) {
	listingsJSON, err := json.Marshal(r.Listings)
	if err != nil {
		s.logger.Error("marshal listings", "query", r.NormalizedQuery, "error", err)
		return
	}
	countsJSON, err := json.Marshal(r.SourceCounts)
	if err != nil {
		s.logger.Error("marshal counts", "query", r.NormalizedQuery, "error", err)
		return
	}
	if err := s.store.Put(ctx, r.NormalizedQuery, string(listingsJSON), string(countsJSON)); err != nil {
		s.logger.Warn("persistent cache write failed", "query", r.NormalizedQuery, "error", err)
	}
}

// StartPruner deletes expired records once immediately, then on every tick
// until ctx is cancelled. Call as a goroutine from main.
func (s *Service) StartPruner(ctx context.Context) {
	s.pruneOnce(ctx)
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOnce(ctx)
		}
	}
}

func (s *Service) pruneOnce(ctx context.Context) {
	n, err := s.store.Prune(ctx, s.cfg.Retention)
	if err != nil {
		s.logger.Warn("prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned expired cache records", "count", n)
	}
}

// CacheStats exposes aggregate persistent-cache counters for the health
// endpoint.
func (s *Service) CacheStats(ctx context.Context) (records int, lastUpdated time.Time, err error) {
	st, err := s.store.CacheStats(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	return st.Records, st.LastUpdated, nil
}
