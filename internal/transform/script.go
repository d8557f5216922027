package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/plugin"
)

// Script runs an external command once per Execute call, feeding it
// the event as JSON on stdin and interpreting its stdout + exit code
// per spec §4.4/§5:
//
//   - exit 0, non-empty stdout  -> event replaced with the parsed JSON
//   - exit 0, empty stdout      -> drop
//   - exit 1                    -> drop
//   - exit >= 2                 -> error, event passes through unchanged
//
// Grounded on internal/mcp/stdio.go's subprocess plumbing (stdin/
// stdout pipes, stderr drained to the logger) and
// internal/tools/shell_exec.go's context.WithTimeout + *exec.ExitError
// exit-code extraction. Unlike the MCP transport, a Script process is
// not long-lived: each event gets a fresh process, matching the
// "stateless subprocess" framing of script transforms in the spec.
type Script struct {
	name    string
	command string
	args    []string
	timeout time.Duration
	grace   time.Duration
	logger  *slog.Logger

	mu sync.Mutex
}

// ScriptConfig configures a Script transform.
type ScriptConfig struct {
	Command string
	Args    []string
	Timeout time.Duration
	Grace   time.Duration
	Logger  *slog.Logger
}

// NewScript creates a Script transform named name (used in env vars
// and logging) for the given config.
func NewScript(name string, cfg ScriptConfig) *Script {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Script{
		name:    name,
		command: cfg.Command,
		args:    cfg.Args,
		timeout: timeout,
		grace:   grace,
		logger:  logger,
	}
}

// Init is a no-op; Script's configuration is fixed at construction
// time via ScriptConfig (present to satisfy plugin.Transform).
func (s *Script) Init(config map[string]any) error { return nil }

// Shutdown is a no-op; Script has no persistent subprocess to tear
// down between events.
func (s *Script) Shutdown() error { return nil }

// Execute runs the script once with e on stdin as JSON, honoring the
// configured timeout and SIGTERM-then-SIGKILL grace period. config is
// the route's merged override config; script transforms have no
// config-driven behavior of their own (spec §4.4 fixes their env vars
// to exactly the five named below), so it is accepted to satisfy
// plugin.Transform and otherwise unused.
func (s *Script) Execute(ctx context.Context, e *envelope.Event, tc plugin.TransformContext, config map[string]any) (*envelope.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	input, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event for script %s: %w", s.name, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.Command(s.command, s.args...)
	// Bound Wait's wait for stdout/stderr so a child process that
	// inherited them cannot hold Execute past the timeout and grace.
	cmd.WaitDelay = s.grace
	cmd.Env = append(os.Environ(),
		"ORGLOOP_SOURCE="+tc.Source,
		"ORGLOOP_TARGET="+tc.Target,
		"ORGLOOP_EVENT_TYPE="+tc.EventType,
		"ORGLOOP_EVENT_ID="+e.ID,
		"ORGLOOP_ROUTE="+tc.RouteName,
	)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start script %s: %w", s.name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		s.terminate(cmd, done)
		return nil, fmt.Errorf("script %s: %w", s.name, runCtx.Err())
	}

	if stderr.Len() > 0 {
		s.logger.Debug("script transform stderr", "transform", s.name, "stderr", stderr.String())
	}

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("run script %s: %w", s.name, waitErr)
		}
		exitCode = exitErr.ExitCode()
	}

	switch {
	case exitCode >= 2:
		return nil, fmt.Errorf("script %s exited %d: %s", s.name, exitCode, stderr.String())
	case exitCode == 1:
		return nil, nil
	case stdout.Len() == 0:
		return nil, nil
	default:
		var out envelope.Event
		if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
			return nil, fmt.Errorf("script %s: unmarshal replacement event: %w", s.name, err)
		}
		return &out, nil
	}
}

// terminate sends SIGTERM, waits up to s.grace for the process to
// exit, then sends SIGKILL.
func (s *Script) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
		return
	case <-time.After(s.grace):
		s.logger.Warn("script transform did not exit after SIGTERM, killing",
			"transform", s.name, "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-done
	}
}
