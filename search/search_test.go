package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stlhound/stlhound/dbopen"
	_ "modernc.org/sqlite"
)

// fakeAdapter is a scriptable adapter that counts its invocations.
type fakeAdapter struct {
	src   Source
	calls atomic.Int32
	fetch func(ctx context.Context, query string) ([]RawListing, error)
}

func (f *fakeAdapter) Source() Source { return f.src }

func (f *fakeAdapter) Fetch(ctx context.Context, query string) ([]RawListing, error) {
	f.calls.Add(1)
	if f.fetch == nil {
		return nil, nil
	}
	return f.fetch(ctx, query)
}

// returns builds an adapter that always yields n listings.
func returns(src Source, n int) *fakeAdapter {
	return &fakeAdapter{src: src, fetch: func(ctx context.Context, query string) ([]RawListing, error) {
		return rawListings(src, query, n), nil
	}}
}

// fails builds an adapter that always errors.
func fails(src Source) *fakeAdapter {
	return &fakeAdapter{src: src, fetch: func(ctx context.Context, query string) ([]RawListing, error) {
		return nil, errors.New("blocked by source")
	}}
}

func rawListings(src Source, query string, n int) []RawListing {
	out := make([]RawListing, n)
	for i := range out {
		out[i] = RawListing{
			Title:     fmt.Sprintf("%s %s #%d", src, query, i),
			SourceURL: fmt.Sprintf("https://%s.example/%s/%d", src, query, i),
			Author:    "maker",
			Likes:     i * 10,
			Downloads: i * 3,
		}
	}
	return out
}

func newTestService(t *testing.T, db *sql.DB, cfg Config, ads ...Adapter) *Service {
	t.Helper()
	if db == nil {
		db = dbopen.OpenMemory(t)
	}
	svc, err := New(db, ads, cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func threeSources(n int) (a, b, c *fakeAdapter) {
	return returns(SourcePrintables, n), returns(SourceThingiverse, n), returns(SourceMakerWorld, n)
}

func TestSearchRejectsBlankQuery(t *testing.T) {
	// WHAT: Empty and all-whitespace queries fail with ErrInvalidQuery
	// before any cache or adapter work happens.
	// WHY: Input validation is the only failure that reaches the caller.
	a, b, c := threeSources(2)
	svc := newTestService(t, nil, Config{}, a, b, c)

	for _, q := range []string{"", "   ", "\t\n"} {
		if _, err := svc.Search(context.Background(), q); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("Search(%q): got %v, want ErrInvalidQuery", q, err)
		}
	}
	if n := a.calls.Load() + b.calls.Load() + c.calls.Load(); n != 0 {
		t.Errorf("adapters invoked %d times for invalid queries", n)
	}
}

func TestFullFetchEndToEnd(t *testing.T) {
	// WHAT: Three sources of 2 listings each give
	// total 6 with counts {2,2,2}, a persisted record, and a second
	// identical request served without any adapter call.
	// WHY: This is the happy path the whole system exists for.
	db := dbopen.OpenMemory(t)
	a, b, c := threeSources(2)
	svc := newTestService(t, db, Config{}, a, b, c)
	ctx := context.Background()

	r, err := svc.Search(ctx, "phone holder")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	env := Assemble(r)
	if env.Total != 6 {
		t.Errorf("total: got %d, want 6", env.Total)
	}
	want := map[Source]int{SourcePrintables: 2, SourceThingiverse: 2, SourceMakerWorld: 2}
	if !reflect.DeepEqual(env.Sources, want) {
		t.Errorf("sources: got %v, want %v", env.Sources, want)
	}
	if records, _, _ := svc.CacheStats(ctx); records != 1 {
		t.Errorf("cached records: got %d, want 1", records)
	}

	// Second identical request (different casing/whitespace): memory hit,
	// identical envelope, no adapter invocations.
	before := a.calls.Load() + b.calls.Load() + c.calls.Load()
	r2, err := svc.Search(ctx, "  Phone   HOLDER ")
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if after := a.calls.Load() + b.calls.Load() + c.calls.Load(); after != before {
		t.Errorf("fresh hit invoked adapters: %d -> %d", before, after)
	}
	if !reflect.DeepEqual(Assemble(r2), env) {
		t.Errorf("second envelope differs:\n got %+v\nwant %+v", Assemble(r2), env)
	}
}

func TestPersistentHitPopulatesMemory(t *testing.T) {
	// WHAT: After a restart (new service, same database), a record with
	// all counts > 0 is served from the persistent tier without fetching,
	// and its totals exactly match the stored record.
	// WHY: A persistent hit with no stale sources never performs a fetch.
	db := dbopen.OpenMemory(t)
	a1, b1, c1 := threeSources(2)
	svc1 := newTestService(t, db, Config{}, a1, b1, c1)
	r1, err := svc1.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("seed search: %v", err)
	}

	a2, b2, c2 := threeSources(5) // would return different data if invoked
	svc2 := newTestService(t, db, Config{}, a2, b2, c2)
	r2, err := svc2.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("restart search: %v", err)
	}

	if n := a2.calls.Load() + b2.calls.Load() + c2.calls.Load(); n != 0 {
		t.Errorf("persistent hit invoked adapters %d times", n)
	}
	if !reflect.DeepEqual(r2.Listings, r1.Listings) {
		t.Error("restart result differs from stored record")
	}
	if !reflect.DeepEqual(r2.SourceCounts, r1.SourceCounts) {
		t.Errorf("counts differ: got %v, want %v", r2.SourceCounts, r1.SourceCounts)
	}
}

func TestPartialRefreshOnlyFetchesZeroCountSources(t *testing.T) {
	// WHAT: Given a cached record where one source has count 0, a later
	// request re-fetches only that source; the other groups stay
	// byte-for-byte identical and keep their counts.
	// WHY: Partial refresh is the cache invalidation rule: failed
	// sources heal without throwing away good data.
	db := dbopen.OpenMemory(t)
	a1 := returns(SourcePrintables, 3)
	b1 := fails(SourceThingiverse)
	c1 := returns(SourceMakerWorld, 5)
	svc1 := newTestService(t, db, Config{}, a1, b1, c1)
	seed, err := svc1.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if seed.SourceCounts[SourceThingiverse] != 0 {
		t.Fatalf("seed thingiverse count: got %d, want 0", seed.SourceCounts[SourceThingiverse])
	}

	// Restart: thingiverse recovered, returning 4 listings this time.
	a2 := returns(SourcePrintables, 9)
	b2 := returns(SourceThingiverse, 4)
	c2 := returns(SourceMakerWorld, 9)
	svc2 := newTestService(t, db, Config{}, a2, b2, c2)
	got, err := svc2.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if a2.calls.Load() != 0 || c2.calls.Load() != 0 {
		t.Errorf("carried-over sources re-fetched: printables=%d makerworld=%d",
			a2.calls.Load(), c2.calls.Load())
	}
	if b2.calls.Load() != 1 {
		t.Errorf("thingiverse fetches: got %d, want 1", b2.calls.Load())
	}

	if got.SourceCounts[SourcePrintables] != 3 || got.SourceCounts[SourceMakerWorld] != 5 {
		t.Errorf("carried counts changed: %v", got.SourceCounts)
	}
	if got.SourceCounts[SourceThingiverse] != 4 {
		t.Errorf("thingiverse count: got %d, want 4", got.SourceCounts[SourceThingiverse])
	}

	grouped := func(ls []Listing, src Source) []Listing {
		var out []Listing
		for _, l := range ls {
			if l.Source == src {
				out = append(out, l)
			}
		}
		return out
	}
	if !reflect.DeepEqual(grouped(got.Listings, SourcePrintables), grouped(seed.Listings, SourcePrintables)) {
		t.Error("printables listings not carried over verbatim")
	}
	if !reflect.DeepEqual(grouped(got.Listings, SourceMakerWorld), grouped(seed.Listings, SourceMakerWorld)) {
		t.Error("makerworld listings not carried over verbatim")
	}
}

func TestMutatedCountTriggersPartialRefresh(t *testing.T) {
	// WHAT: Zeroing one source's count directly in the stored record makes
	// the next request (with a cold memory tier) re-fetch only that source.
	// WHY: Staleness is defined by the stored counts alone, however they
	// came to be zero.
	db := dbopen.OpenMemory(t)
	a1, b1, c1 := threeSources(2)
	svc1 := newTestService(t, db, Config{}, a1, b1, c1)
	if _, err := svc1.Search(context.Background(), "phone holder"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mutated := `{"printables":2,"thingiverse":0,"makerworld":2}`
	if _, err := db.Exec(`UPDATE query_cache SET source_counts_json=? WHERE normalized_query='phone holder'`, mutated); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	a2, b2, c2 := threeSources(2)
	svc2 := newTestService(t, db, Config{}, a2, b2, c2)
	r, err := svc2.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if a2.calls.Load() != 0 || c2.calls.Load() != 0 || b2.calls.Load() != 1 {
		t.Errorf("adapter calls: got %d/%d/%d, want 0/1/0 around thingiverse",
			a2.calls.Load(), b2.calls.Load(), c2.calls.Load())
	}
	if r.SourceCounts[SourceThingiverse] != 2 {
		t.Errorf("thingiverse count after refresh: got %d, want 2", r.SourceCounts[SourceThingiverse])
	}
	if len(r.Listings) != 6 {
		t.Errorf("total: got %d, want 6", len(r.Listings))
	}
}

func TestFaultIsolation(t *testing.T) {
	// WHAT: One source failing (error) or hanging (timeout) still lets the
	// others return full results in the same request, with the bad
	// source's count at 0.
	// WHY: One source's failure must never abort or delay the others.
	cases := []struct {
		name string
		bad  *fakeAdapter
	}{
		{"error", fails(SourceThingiverse)},
		{"timeout", &fakeAdapter{src: SourceThingiverse, fetch: func(ctx context.Context, query string) ([]RawListing, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}},
		{"panic", &fakeAdapter{src: SourceThingiverse, fetch: func(ctx context.Context, query string) ([]RawListing, error) {
			panic("selector missing")
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := returns(SourcePrintables, 2)
			c := returns(SourceMakerWorld, 2)
			svc := newTestService(t, nil, Config{AdapterTimeout: 50 * time.Millisecond}, a, tc.bad, c)

			r, err := svc.Search(context.Background(), "phone holder")
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if r.SourceCounts[SourcePrintables] != 2 || r.SourceCounts[SourceMakerWorld] != 2 {
				t.Errorf("healthy sources degraded: %v", r.SourceCounts)
			}
			if r.SourceCounts[SourceThingiverse] != 0 {
				t.Errorf("bad source count: got %d, want 0", r.SourceCounts[SourceThingiverse])
			}
			if len(r.Listings) != 4 {
				t.Errorf("total: got %d, want 4", len(r.Listings))
			}
		})
	}
}

func TestAllSourcesFailIsCachedNotErrored(t *testing.T) {
	// WHAT: All adapters failing yields a zero-count result, not an error,
	// and the record is cached and eligible for partial refresh later.
	// WHY: An empty result set is a valid answer; the next request heals it.
	db := dbopen.OpenMemory(t)
	svc1 := newTestService(t, db, Config{},
		fails(SourcePrintables), fails(SourceThingiverse), fails(SourceMakerWorld))

	r, err := svc1.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(r.Listings) != 0 {
		t.Errorf("total: got %d, want 0", len(r.Listings))
	}
	for src, n := range r.SourceCounts {
		if n != 0 {
			t.Errorf("count %s: got %d, want 0", src, n)
		}
	}
	if records, _, _ := svc1.CacheStats(context.Background()); records != 1 {
		t.Errorf("zero result not cached: records = %d", records)
	}

	// All three sources are stale, so the next request re-fetches all.
	a, b, c := threeSources(2)
	svc2 := newTestService(t, db, Config{}, a, b, c)
	r2, err := svc2.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("heal: %v", err)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 || c.calls.Load() != 1 {
		t.Errorf("expected all sources re-fetched: %d %d %d",
			a.calls.Load(), b.calls.Load(), c.calls.Load())
	}
	if len(r2.Listings) != 6 {
		t.Errorf("healed total: got %d, want 6", len(r2.Listings))
	}
}

func TestSingleFlightCoalescesConcurrentRequests(t *testing.T) {
	// WHAT: N concurrent requests for the same uncached query trigger
	// exactly one adapter invocation per source and all receive the same
	// merged result.
	// WHY: Adapters hold expensive browser sessions; duplicate concurrent
	// fetches waste them and trip source abuse protections.
	gate := make(chan struct{})
	var calls atomic.Int32
	slow := func(src Source) *fakeAdapter {
		return &fakeAdapter{src: src, fetch: func(ctx context.Context, query string) ([]RawListing, error) {
			calls.Add(1)
			<-gate
			return rawListings(src, query, 2), nil
		}}
	}
	svc := newTestService(t, nil, Config{},
		slow(SourcePrintables), slow(SourceThingiverse), slow(SourceMakerWorld))

	const n = 8
	results := make([]*QueryResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.Search(context.Background(), "phone holder")
			if err != nil {
				t.Errorf("concurrent search: %v", err)
				return
			}
			results[i] = r
		}()
	}

	// Let every caller reach the flight before releasing the adapters.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("adapter invocations: got %d, want 3 (one per source)", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Errorf("caller %d received a different result", i)
		}
	}
}

func TestCallerDisconnectDoesNotCancelFlight(t *testing.T) {
	// WHAT: Cancelling the first caller's context mid-fetch still lets the
	// fetch finish and the cache be written.
	// WHY: Other waiters and the cache must benefit from in-flight work.
	db := dbopen.OpenMemory(t)
	gate := make(chan struct{})
	ad := &fakeAdapter{src: SourcePrintables, fetch: func(ctx context.Context, query string) ([]RawListing, error) {
		<-gate
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return rawListings(SourcePrintables, query, 2), nil
	}}
	svc := newTestService(t, db, Config{}, ad)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Search(ctx, "phone holder")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	close(gate)
	<-done

	// The flight completed with a real result despite the cancel.
	r, err := svc.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("follow-up search: %v", err)
	}
	if r.SourceCounts[SourcePrintables] != 2 {
		t.Errorf("flight result lost: counts %v", r.SourceCounts)
	}
	if ad.calls.Load() != 1 {
		t.Errorf("adapter calls: got %d, want 1", ad.calls.Load())
	}
}

func TestMaxPerSourceCap(t *testing.T) {
	// WHAT: A source returning more than MaxPerSource is truncated,
	// preserving source-relevance order.
	// WHY: The per-source cap bounds result and storage size.
	ad := returns(SourcePrintables, 25)
	svc := newTestService(t, nil, Config{MaxPerSource: 10}, ad)

	r, err := svc.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(r.Listings) != 10 {
		t.Fatalf("listings: got %d, want 10", len(r.Listings))
	}
	if r.Listings[0].Title != "printables phone holder #0" {
		t.Errorf("order not preserved: first is %q", r.Listings[0].Title)
	}
}

func TestListingsWithoutURLAreDropped(t *testing.T) {
	// WHAT: Raw listings with a blank source URL are skipped.
	// WHY: The stable ID derives from the URL; without one the listing
	// has no identity.
	ad := &fakeAdapter{src: SourcePrintables, fetch: func(ctx context.Context, query string) ([]RawListing, error) {
		return []RawListing{
			{Title: "ok", SourceURL: "https://printables.example/1"},
			{Title: "no url", SourceURL: "  "},
		}, nil
	}}
	svc := newTestService(t, nil, Config{}, ad)

	r, err := svc.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(r.Listings) != 1 || r.Listings[0].Title != "ok" {
		t.Errorf("got %+v, want only the listing with a URL", r.Listings)
	}
}

func TestMergedOrderIsStableBySource(t *testing.T) {
	// WHAT: Merged listings are grouped by source in SourceOrder with
	// adapter order preserved inside each group.
	// WHY: Ordering is part of the external contract.
	a, b, c := threeSources(2)
	svc := newTestService(t, nil, Config{}, c, a, b) // registration order shuffled

	r, err := svc.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var got []Source
	for _, l := range r.Listings {
		got = append(got, l.Source)
	}
	want := []Source{
		SourcePrintables, SourcePrintables,
		SourceThingiverse, SourceThingiverse,
		SourceMakerWorld, SourceMakerWorld,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("source order: got %v, want %v", got, want)
	}
}

func TestSourceCountsMatchListings(t *testing.T) {
	// WHAT: SourceCounts always equals the per-source listing count in the
	// merged record.
	// WHY: The invariant callers rely on when rendering source tabs.
	a := returns(SourcePrintables, 3)
	b := fails(SourceThingiverse)
	c := returns(SourceMakerWorld, 1)
	svc := newTestService(t, nil, Config{}, a, b, c)

	r, err := svc.Search(context.Background(), "phone holder")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	perSource := make(map[Source]int)
	for _, l := range r.Listings {
		perSource[l.Source]++
	}
	for _, src := range SourceOrder {
		if r.SourceCounts[src] != perSource[src] {
			t.Errorf("count %s: recorded %d, actual %d", src, r.SourceCounts[src], perSource[src])
		}
	}
}
