package statedir

import (
	"os"
	"testing"
)

func TestDirCreatesExplicitDirectory(t *testing.T) {
	base := t.TempDir() + "/nested/state"
	dir, err := Dir(base)
	if err != nil {
		t.Fatalf("Dir() error = %v", err)
	}
	if dir != base {
		t.Fatalf("Dir() = %q, want %q", dir, base)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("expected %q to exist as a directory", dir)
	}
}

func TestWriteReadRemovePID(t *testing.T) {
	dir := t.TempDir()

	if err := WritePID(dir); err != nil {
		t.Fatalf("WritePID() error = %v", err)
	}

	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID() error = %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("ReadPID() = %d, want %d", pid, os.Getpid())
	}

	if err := RemovePID(dir); err != nil {
		t.Fatalf("RemovePID() error = %v", err)
	}
	if _, err := ReadPID(dir); err == nil {
		t.Fatal("expected ReadPID() to error after RemovePID()")
	}
}

func TestWritePIDRefusesWhenRunningProcessHoldsIt(t *testing.T) {
	dir := t.TempDir()
	if err := WritePID(dir); err != nil {
		t.Fatal(err)
	}

	if err := WritePID(dir); err == nil {
		t.Fatal("expected second WritePID() to fail while the first process (this test) is alive")
	}
}

func TestWriteReadPort(t *testing.T) {
	dir := t.TempDir()
	if err := WritePort(dir, 8080); err != nil {
		t.Fatalf("WritePort() error = %v", err)
	}
	port, err := ReadPort(dir)
	if err != nil {
		t.Fatalf("ReadPort() error = %v", err)
	}
	if port != 8080 {
		t.Fatalf("ReadPort() = %d, want 8080", port)
	}
}

func TestRegistryLoadEmptyWhenMissing(t *testing.T) {
	r := OpenRegistry(t.TempDir())
	modules, err := r.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(modules) != 0 {
		t.Fatalf("Load() = %v, want empty", modules)
	}
}

func TestRegistrySaveThenLoadRoundTrips(t *testing.T) {
	r := OpenRegistry(t.TempDir())
	want := map[string]string{"incident-routing": "/etc/orgloop/incident-routing.yaml"}

	if err := r.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := r.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got["incident-routing"] != want["incident-routing"] {
		t.Fatalf("Load() = %v, want %v", got, want)
	}
}
