package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/orgloop.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "orgloop.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orgloop.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "orgloop.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "orgloop.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orgloop.yaml")
	os.WriteFile(path, []byte("roster:\n  endpoint: https://carddav.example.com\n  password: ${ORGLOOP_TEST_PASSWORD}\n"), 0600)
	os.Setenv("ORGLOOP_TEST_PASSWORD", "secret123")
	defer os.Unsetenv("ORGLOOP_TEST_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Roster.Password != "secret123" {
		t.Errorf("roster.password = %q, want %q", cfg.Roster.Password, "secret123")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orgloop.yaml")
	os.WriteFile(path, []byte("state_dir: /tmp/orgloop-test\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 7700 {
		t.Errorf("Listen.Port = %d, want 7700", cfg.Listen.Port)
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Errorf("PollInterval() = %v, want 30s", cfg.PollInterval())
	}
	if cfg.Drain() != 10*time.Second {
		t.Errorf("Drain() = %v, want 10s", cfg.Drain())
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Listen.Port = 70000

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestValidate_RejectsBadPollInterval(t *testing.T) {
	cfg := Default()
	cfg.DefaultPoll = "not-a-duration"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid default_poll_interval")
	}
}

func TestValidate_RosterRequiresEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Roster = &RosterConfig{RefreshInterval: "15m"}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for roster without endpoint")
	}
}

func TestValidate_RosterValid(t *testing.T) {
	cfg := Default()
	cfg.Roster = &RosterConfig{Endpoint: "https://carddav.example.com", RefreshInterval: "15m"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}
