// Package statedir locates and manages the daemon's runtime state
// directory: the PID file, the control API's port file, and the
// module registry file (modules.json) that records which module
// configs are currently loaded so a restart can resume them.
//
// Directory resolution is grounded on internal/config.DefaultSearchPaths'
// search order (explicit flag, then $XDG_STATE_HOME, then
// ~/.local/state, then the system temp directory); the PID/port file
// pair and the module registry have no single teacher precedent and
// are built directly from the specification using the same
// search-then-create shape.
package statedir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	pidFileName      = "orgloop.pid"
	portFileName     = "runtime.port"
	registryFileName = "modules.json"
)

// Dir resolves the state directory: explicit if non-empty, otherwise
// $XDG_STATE_HOME/orgloop or ~/.local/state/orgloop, falling back to
// orgloop under os.TempDir when the home directory is unknown. The
// directory is created if it does not already exist.
func Dir(explicit string) (string, error) {
	dir := explicit
	if dir == "" {
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			dir = filepath.Join(xdg, "orgloop")
		} else if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "state", "orgloop")
		} else {
			dir = filepath.Join(os.TempDir(), "orgloop")
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("statedir: create %s: %w", dir, err)
	}
	return dir, nil
}

// WritePID records the current process id in dir's PID file, failing
// if an existing PID file names a still-running process (spec's
// "single long-lived process" invariant — a second daemon must refuse
// to start against the same state directory).
func WritePID(dir string) error {
	path := filepath.Join(dir, pidFileName)

	if existing, err := ReadPID(dir); err == nil {
		if processAlive(existing) {
			return fmt.Errorf("statedir: daemon already running with pid %d (%s)", existing, path)
		}
	}

	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ReadPID returns the PID recorded in dir's PID file.
func ReadPID(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("statedir: corrupt pid file: %w", err)
	}
	return pid, nil
}

// RemovePID deletes dir's PID file. Safe to call if it does not exist.
func RemovePID(dir string) error {
	err := os.Remove(filepath.Join(dir, pidFileName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// processAlive reports whether pid names a running process, probing
// with signal 0 (no-op delivery, existence check only).
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// WritePort records the control API's listening port so other
// processes (a CLI, a health check) can find it without parsing logs.
func WritePort(dir string, port int) error {
	return os.WriteFile(filepath.Join(dir, portFileName), []byte(strconv.Itoa(port)), 0o644)
}

// ReadPort returns the control API's recorded listening port.
func ReadPort(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, portFileName))
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("statedir: corrupt port file: %w", err)
	}
	return port, nil
}

// RemovePort deletes dir's port file. Safe to call if it does not exist.
func RemovePort(dir string) error {
	err := os.Remove(filepath.Join(dir, portFileName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Registry persists the set of module config paths currently loaded,
// keyed by module name, so a restart can reload exactly what was
// running before shutdown.
type Registry struct {
	path string
}

// OpenRegistry returns the module registry file under dir.
func OpenRegistry(dir string) *Registry {
	return &Registry{path: filepath.Join(dir, registryFileName)}
}

// Load reads the registry, returning an empty map if the file does
// not yet exist.
func (r *Registry) Load() (map[string]string, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statedir: read registry: %w", err)
	}
	var modules map[string]string
	if err := json.Unmarshal(data, &modules); err != nil {
		return nil, fmt.Errorf("statedir: decode registry: %w", err)
	}
	return modules, nil
}

// Save writes modules to the registry file, via a temp-file-then-
// rename so a crash mid-write never leaves a truncated registry.
func (r *Registry) Save(modules map[string]string) error {
	data, err := json.MarshalIndent(modules, "", "  ")
	if err != nil {
		return fmt.Errorf("statedir: encode registry: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("statedir: write registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("statedir: finalize registry: %w", err)
	}
	return nil
}
