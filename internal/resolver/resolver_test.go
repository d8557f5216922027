package resolver

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/orgloop/orgloop/internal/checkpoint"
)

func testStore(t *testing.T) *checkpoint.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := checkpoint.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func writeConfig(t *testing.T, yamlBody string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "module.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validModuleYAML = `
name: incident-routing
sources:
  - id: heartbeat
    connector: cron
    config:
      label: tick
actors:
  - id: notify
    connector: http
    config:
      url: https://example.test/hook
routes:
  - name: forward-ticks
    when:
      source: heartbeat
      events: ["resource.changed"]
    then:
      actor: notify
`

func TestResolveConstructsSourcesActorsAndRoutes(t *testing.T) {
	path := writeConfig(t, validModuleYAML)
	r := New(NewRegistries(), testStore(t), nil)

	resolved, err := r.Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if resolved.Config.Name != "incident-routing" {
		t.Fatalf("Config.Name = %q, want incident-routing", resolved.Config.Name)
	}
	if _, ok := resolved.Sources["heartbeat"]; !ok {
		t.Fatal("expected source \"heartbeat\" to be constructed")
	}
	if _, ok := resolved.Actors["notify"]; !ok {
		t.Fatal("expected actor \"notify\" to be constructed")
	}
	if got := resolved.PollIntervals["heartbeat"]; got != defaultPollInterval {
		t.Fatalf("PollIntervals[heartbeat] = %v, want default %v", got, defaultPollInterval)
	}
}

func TestResolveRejectsRouteWithUnknownActor(t *testing.T) {
	path := writeConfig(t, `
name: bad-module
sources:
  - id: heartbeat
    connector: cron
actors: []
routes:
  - name: forward
    when:
      source: heartbeat
      events: ["resource.changed"]
    then:
      actor: missing
`)
	r := New(NewRegistries(), testStore(t), nil)
	if _, err := r.Resolve(path); err == nil {
		t.Fatal("expected Resolve() to reject a route referencing an undeclared actor")
	}
}

func TestResolveRejectsDuplicateSourceIDs(t *testing.T) {
	path := writeConfig(t, `
name: bad-module
sources:
  - id: dup
    connector: cron
  - id: dup
    connector: cron
actors: []
routes: []
`)
	r := New(NewRegistries(), testStore(t), nil)
	if _, err := r.Resolve(path); err == nil {
		t.Fatal("expected Resolve() to reject duplicate source ids")
	}
}

func TestResolveHonorsModulePollIntervalDefault(t *testing.T) {
	path := writeConfig(t, `
name: incident-routing
sources:
  - id: heartbeat
    connector: cron
actors:
  - id: notify
    connector: http
    config:
      url: https://example.test/hook
routes: []
defaults:
  poll_interval: 5s
`)
	r := New(NewRegistries(), testStore(t), nil)
	resolved, err := r.Resolve(path)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got, want := resolved.PollIntervals["heartbeat"], 5_000_000_000; got.Nanoseconds() != int64(want) {
		t.Fatalf("PollIntervals[heartbeat] = %v, want 5s", got)
	}
}

func TestResolveRejectsMissingFile(t *testing.T) {
	r := New(NewRegistries(), testStore(t), nil)
	if _, err := r.Resolve(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected Resolve() to error on a missing file")
	}
}
