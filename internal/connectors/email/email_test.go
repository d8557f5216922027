package email

import (
	"database/sql"
	"log/slog"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/orgloop/orgloop/internal/checkpoint"
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
	return &Source{
		module:   "m1",
		sourceID: "e1",
		store:    testStore(t),
		logger:   slog.Default(),
	}
}

func TestLoadHighWaterMarkDefaultsToZeroWithNoCheckpoint(t *testing.T) {
	s := testSource(t)
	uid, err := s.loadHighWaterMark()
	if err != nil {
		t.Fatalf("loadHighWaterMark() error = %v", err)
	}
	if uid != 0 {
		t.Fatalf("loadHighWaterMark() = %d, want 0", uid)
	}
}

func TestSaveThenLoadHighWaterMarkRoundTrips(t *testing.T) {
	s := testSource(t)
	if err := s.saveHighWaterMark(42); err != nil {
		t.Fatal(err)
	}
	uid, err := s.loadHighWaterMark()
	if err != nil {
		t.Fatal(err)
	}
	if uid != 42 {
		t.Fatalf("loadHighWaterMark() = %d, want 42", uid)
	}
}

func TestLoadHighWaterMarkReseedsOnCorruptCursor(t *testing.T) {
	s := testSource(t)
	if err := s.store.Set(s.module, s.sourceID, "not-a-number"); err != nil {
		t.Fatal(err)
	}
	uid, err := s.loadHighWaterMark()
	if err != nil {
		t.Fatal(err)
	}
	if uid != 0 {
		t.Fatalf("loadHighWaterMark() = %d, want 0 on corrupt cursor", uid)
	}
}

func TestAdvanceHighWaterMarkScansAllMessagesNotJustFirst(t *testing.T) {
	s := testSource(t)
	messages := []envelopeSummary{{UID: 5}, {UID: 9}, {UID: 7}}

	if err := s.advanceHighWaterMark(3, messages); err != nil {
		t.Fatal(err)
	}

	uid, err := s.loadHighWaterMark()
	if err != nil {
		t.Fatal(err)
	}
	if uid != 9 {
		t.Fatalf("loadHighWaterMark() = %d, want 9 (highest UID)", uid)
	}
}

func TestAdvanceHighWaterMarkNeverDecreases(t *testing.T) {
	s := testSource(t)
	if err := s.saveHighWaterMark(100); err != nil {
		t.Fatal(err)
	}

	if err := s.advanceHighWaterMark(100, []envelopeSummary{{UID: 50}}); err != nil {
		t.Fatal(err)
	}

	uid, err := s.loadHighWaterMark()
	if err != nil {
		t.Fatal(err)
	}
	if uid != 100 {
		t.Fatalf("loadHighWaterMark() = %d, want mark to stay at 100", uid)
	}
}
