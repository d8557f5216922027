package harness

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

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

func writeLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatal(err)
	}
}

func newTestSource(t *testing.T, dir string) *Source {
	t.Helper()
	s := New()
	if err := s.Init(map[string]any{
		"dir":       dir,
		"module":    "m1",
		"source_id": "h1",
		"store":     testStore(t),
		"logger":    slog.Default(),
	}); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPollEmitsNonTerminalEventAsResourceChanged(t *testing.T) {
	dir := t.TempDir()
	writeLine(t, filepath.Join(dir, "session1.jsonl"),
		`{"session_id":"s1","harness":"claude-code","phase":"started","terminal":false}`)

	s := newTestSource(t, dir)
	events, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Poll() = %d events, want 1", len(events))
	}
	if events[0].Type != envelope.TypeResourceChanged {
		t.Fatalf("Type = %v, want resource.changed", events[0].Type)
	}
}

func TestPollEmitsTerminalEventAsActorStopped(t *testing.T) {
	dir := t.TempDir()
	writeLine(t, filepath.Join(dir, "session1.jsonl"),
		`{"session_id":"s1","harness":"codex","phase":"completed","terminal":true,"outcome":"success"}`)

	s := newTestSource(t, dir)
	events, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 1 || events[0].Type != envelope.TypeActorStopped {
		t.Fatalf("events = %+v, want one actor.stopped event", events)
	}
	lc, ok := events[0].Lifecycle()
	if !ok || !lc.Terminal || lc.Outcome != envelope.OutcomeSuccess {
		t.Fatalf("Lifecycle() = %+v, %v", lc, ok)
	}
}

func TestPollOnlyReadsBytesAppendedSinceLastCheckpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session1.jsonl")
	writeLine(t, path, `{"session_id":"s1","harness":"codex","phase":"started","terminal":false}`)

	s := newTestSource(t, dir)
	first, err := s.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first Poll() = %d events, want 1", len(first))
	}

	second, err := s.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second Poll() = %d events, want 0 (no new lines)", len(second))
	}

	writeLine(t, path, `{"session_id":"s1","harness":"codex","phase":"active","terminal":false}`)
	third, err := s.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 1 {
		t.Fatalf("third Poll() = %d events, want 1 (only the newly appended line)", len(third))
	}
}

func TestPollLeavesPartialTrailingLineUnconsumed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session1.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"session_id":"s1","harness":"codex","phase":"started"`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s := newTestSource(t, dir)
	events, err := s.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("Poll() = %d events, want 0 (partial line not yet newline-terminated)", len(events))
	}
}

func TestPollSkipsMalformedLineWithoutAbortingCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session1.jsonl")
	writeLine(t, path, `not json`)
	writeLine(t, path, `{"session_id":"s1","harness":"codex","phase":"started","terminal":false}`)

	s := newTestSource(t, dir)
	events, err := s.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("Poll() = %d events, want 1 (malformed line skipped)", len(events))
	}
}
