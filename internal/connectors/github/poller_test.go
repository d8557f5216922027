package github

import (
	"database/sql"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/envelope"
)

func testStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := checkpoint.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func testSource(t *testing.T) *Source {
	t.Helper()
	s := New()
	s.cfg = Config{
		Repo:            "acme/widgets",
		Module:          "m1",
		SourceID:        "gh1",
		Store:           testStore(t),
		Logger:          slog.Default(),
		InitialLookback: 7 * 24 * time.Hour,
		RateBudget:      0.8,
	}
	s.prCache = make(map[int]prCacheEntry)
	s.rateRemaining = -1
	return s
}

func TestResolveSinceWithNoCheckpointUsesLookback(t *testing.T) {
	s := testSource(t)

	since, err := s.resolveSince()
	if err != nil {
		t.Fatalf("resolveSince() error = %v", err)
	}

	wantAround := time.Now().Add(-s.cfg.InitialLookback)
	if diff := since.Sub(wantAround); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("resolveSince() = %v, want around %v", since, wantAround)
	}
}

func TestResolveSinceWithCheckpointParsesStoredCursor(t *testing.T) {
	s := testSource(t)
	want := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.cfg.Store.Set(s.cfg.Module, s.cfg.SourceID, want.Format(time.RFC3339)); err != nil {
		t.Fatal(err)
	}

	since, err := s.resolveSince()
	if err != nil {
		t.Fatalf("resolveSince() error = %v", err)
	}
	if !since.Equal(want) {
		t.Fatalf("resolveSince() = %v, want %v", since, want)
	}
}

func TestFilterByAuthorKeepsOnlyAllowlisted(t *testing.T) {
	s := testSource(t)
	s.cfg.Authors = []string{"alice"}

	mk := func(author string) *envelope.Event {
		e, err := envelope.New("gh1", envelope.TypeResourceChanged,
			envelope.Provenance{"platform": "github", "author": author}, nil, "")
		if err != nil {
			t.Fatal(err)
		}
		return e
	}

	events := []*envelope.Event{mk("alice"), mk("bob")}
	filtered := s.filterByAuthor(events)

	if len(filtered) != 1 || filtered[0].Provenance["author"] != "alice" {
		t.Fatalf("filterByAuthor() = %v, want only alice's event", filtered)
	}
}

func TestFilterByAuthorNoopWhenUnconfigured(t *testing.T) {
	s := testSource(t)

	e, err := envelope.New("gh1", envelope.TypeResourceChanged, envelope.Provenance{"platform": "github", "author": "anyone"}, nil, "")
	if err != nil {
		t.Fatal(err)
	}

	filtered := s.filterByAuthor([]*envelope.Event{e})
	if len(filtered) != 1 {
		t.Fatalf("filterByAuthor() = %v, want passthrough", filtered)
	}
}

func TestEvictStaleCacheEntriesRemovesOldEntries(t *testing.T) {
	s := testSource(t)
	s.prCache[1] = prCacheEntry{updatedAt: time.Now(), seenAt: time.Now().Add(-31 * 24 * time.Hour)}
	s.prCache[2] = prCacheEntry{updatedAt: time.Now(), seenAt: time.Now()}

	s.evictStaleCacheEntries()

	if _, ok := s.prCache[1]; ok {
		t.Fatal("expected stale entry 1 to be evicted")
	}
	if _, ok := s.prCache[2]; !ok {
		t.Fatal("expected fresh entry 2 to remain")
	}
}

func TestEvictStaleCacheEntriesThrottled(t *testing.T) {
	s := testSource(t)
	s.lastCacheEviction = time.Now()
	s.prCache[1] = prCacheEntry{updatedAt: time.Now(), seenAt: time.Now().Add(-60 * 24 * time.Hour)}

	s.evictStaleCacheEntries()

	if _, ok := s.prCache[1]; !ok {
		t.Fatal("expected eviction to be throttled and skip this cycle")
	}
}

func TestPrNumberFromURL(t *testing.T) {
	cases := map[string]int{
		"https://api.github.com/repos/acme/widgets/pulls/42": 42,
		"":                    0,
		"no-slash-digits-abc": 0,
	}
	for url, want := range cases {
		if got := prNumberFromURL(url); got != want {
			t.Errorf("prNumberFromURL(%q) = %d, want %d", url, got, want)
		}
	}
}

func TestHandleAPIErrorRateLimitedReturnsPartial(t *testing.T) {
	s := testSource(t)
	partial := []*envelope.Event{}

	got, err := s.handleAPIError(&apiError{StatusCode: 429}, time.Now(), partial)
	if err != nil {
		t.Fatalf("handleAPIError() error = %v, want nil (partial results)", err)
	}
	if len(got) != 0 {
		t.Fatalf("handleAPIError() = %v", got)
	}
}

func TestHandleAPIErrorOtherStatusReRaises(t *testing.T) {
	s := testSource(t)
	_, err := s.handleAPIError(&apiError{StatusCode: 500, RateRemaining: -1}, time.Now(), nil)
	if err == nil {
		t.Fatal("expected error to be re-raised for unhandled status")
	}
}

func TestHandleAPIErrorRecordsRateLimitState(t *testing.T) {
	s := testSource(t)
	s.rateRemaining = -1
	resetAt := time.Now().Add(10 * time.Minute).Truncate(time.Second)

	got, err := s.handleAPIError(&apiError{StatusCode: 403, RateRemaining: 0, RateResetAt: resetAt}, time.Now(), nil)
	if err != nil {
		t.Fatalf("handleAPIError() error = %v, want nil (partial results)", err)
	}
	if got != nil {
		t.Fatalf("handleAPIError() = %v, want nil partial", got)
	}
	if s.rateRemaining != 0 {
		t.Fatalf("s.rateRemaining = %d, want 0 (recorded from apiError)", s.rateRemaining)
	}
	if !s.rateResetAt.Equal(resetAt) {
		t.Fatalf("s.rateResetAt = %v, want %v", s.rateResetAt, resetAt)
	}
}

func TestHandleAPIErrorUnknownRateLimitLeavesStateUntouched(t *testing.T) {
	s := testSource(t)
	s.rateRemaining = 42

	if _, err := s.handleAPIError(&apiError{StatusCode: 401, RateRemaining: -1}, time.Now(), nil); err != nil {
		t.Fatalf("handleAPIError() error = %v, want nil (auth refresh)", err)
	}
	if s.rateRemaining != 42 {
		t.Fatalf("s.rateRemaining = %d, want unchanged 42 when the error carried no rate-limit headers", s.rateRemaining)
	}
}
