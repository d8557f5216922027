// Package harness implements the coding-assistant session connector:
// it tails a directory of append-only session-transcript JSONL files
// (one per harness session, the way claude-code/codex/opencode/pi/
// pi-rust harnesses write them) and emits lifecycle events per the
// Lifecycle sub-contract, advancing a per-file byte-offset checkpoint.
//
// Grounded on the directory-scan-by-glob style of
// internal/talents/loader.go and the high-water-mark-by-offset idea
// from internal/email/poller.go, applied to file byte offsets instead
// of IMAP UIDs.
package harness

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/envelope"
)

// record is one line of a session transcript's JSONL file.
type record struct {
	SessionID  string     `json:"session_id"`
	Adapter    string     `json:"adapter"`
	Harness    string     `json:"harness"`
	Cwd        string     `json:"cwd"`
	Phase      string     `json:"phase"`
	Terminal   bool       `json:"terminal"`
	Outcome    string     `json:"outcome"`
	Reason     string     `json:"reason"`
	StartedAt  *time.Time `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at"`
	ExitStatus *int       `json:"exit_status"`
}

// Config holds the harness connector's settings.
type Config struct {
	Dir      string
	Module   string
	SourceID string
	Store    *checkpoint.Store
	Logger   *slog.Logger
}

// Source implements plugin.Source, tailing a directory of session
// JSONL transcripts.
type Source struct {
	cfg Config
}

// New constructs a harness Source. Registered under the plugin name
// "harness".
func New() *Source {
	return &Source{}
}

// Init parses config.dir (required), config.module, config.source_id.
func (s *Source) Init(raw map[string]any) error {
	dir, _ := raw["dir"].(string)
	if dir == "" {
		return fmt.Errorf("harness: config.dir is required")
	}
	module, _ := raw["module"].(string)
	sourceID, _ := raw["source_id"].(string)
	store, _ := raw["store"].(*checkpoint.Store)
	logger, _ := raw["logger"].(*slog.Logger)
	if logger == nil {
		logger = slog.Default()
	}

	s.cfg = Config{Dir: dir, Module: module, SourceID: sourceID, Store: store, Logger: logger}
	return nil
}

// Shutdown is a no-op; Source holds no open file handles between
// poll cycles.
func (s *Source) Shutdown() error { return nil }

// offsets is the checkpoint cursor shape: file name -> byte offset
// already consumed. Opaque-encoded as JSON per spec.md's "(file, byte
// offset) pair, opaque-encoded".
type offsets map[string]int64

// Poll scans the configured directory for *.jsonl files, reads any
// bytes appended since the last checkpointed offset for each file,
// and emits one event per transcript line.
func (s *Source) Poll(ctx context.Context) ([]*envelope.Event, error) {
	cur, err := s.loadOffsets()
	if err != nil {
		return nil, fmt.Errorf("harness: load checkpoint: %w", err)
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("harness: read dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var events []*envelope.Event
	for _, name := range names {
		lines, newOffset, err := s.readNewLines(filepath.Join(s.cfg.Dir, name), cur[name])
		if err != nil {
			s.cfg.Logger.Warn("harness: read session transcript failed", "file", name, "error", err)
			continue
		}
		for _, line := range lines {
			e, err := s.eventForLine(line)
			if err != nil {
				s.cfg.Logger.Warn("harness: skip malformed transcript line", "file", name, "error", err)
				continue
			}
			if e != nil {
				events = append(events, e)
			}
		}
		cur[name] = newOffset
	}

	if err := s.saveOffsets(cur); err != nil {
		s.cfg.Logger.Error("harness: persist checkpoint failed", "error", err)
	}

	return events, nil
}

// readNewLines reads whole lines from path starting at fromOffset,
// returning the raw lines and the offset just past the last complete
// line. A trailing partial line (the writer mid-append) is left
// unconsumed.
func (s *Source) readNewLines(path string, fromOffset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fromOffset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fromOffset, err
	}
	if info.Size() <= fromOffset {
		return nil, fromOffset, nil
	}

	if _, err := f.Seek(fromOffset, io.SeekStart); err != nil {
		return nil, fromOffset, err
	}

	reader := bufio.NewReader(f)
	offset := fromOffset
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// Partial trailing line; don't advance past it.
			break
		}
		if err != nil {
			return lines, offset, err
		}
		offset += int64(len(line))
		lines = append(lines, line)
	}

	return lines, offset, nil
}

// eventForLine decodes one transcript line into a lifecycle event.
// type is actor.stopped when the record is terminal, resource.changed
// otherwise, satisfying the terminal ⇔ phase invariant envelope.New
// validates.
func (s *Source) eventForLine(line string) (*envelope.Event, error) {
	var rec record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, fmt.Errorf("decode transcript line: %w", err)
	}
	if rec.SessionID == "" || rec.Phase == "" {
		return nil, fmt.Errorf("transcript line missing session_id or phase")
	}

	typ := envelope.TypeResourceChanged
	if rec.Terminal {
		typ = envelope.TypeActorStopped
	}

	lifecycle := map[string]any{
		"phase":      rec.Phase,
		"terminal":   rec.Terminal,
		"dedupe_key": fmt.Sprintf("%s:%s:%s", rec.Harness, rec.SessionID, rec.Phase),
	}
	if rec.Outcome != "" {
		lifecycle["outcome"] = rec.Outcome
	}
	if rec.Reason != "" {
		lifecycle["reason"] = rec.Reason
	}

	session := map[string]any{
		"id":      rec.SessionID,
		"adapter": rec.Adapter,
		"harness": rec.Harness,
	}
	if rec.Cwd != "" {
		session["cwd"] = rec.Cwd
	}
	if rec.StartedAt != nil {
		session["started_at"] = rec.StartedAt
	}
	if rec.Terminal {
		if rec.EndedAt != nil {
			session["ended_at"] = rec.EndedAt
		}
		if rec.ExitStatus != nil {
			session["exit_status"] = *rec.ExitStatus
		}
	}

	return envelope.New(s.cfg.SourceID, typ,
		envelope.Provenance{"platform": "harness", "harness": rec.Harness},
		envelope.Payload{"lifecycle": lifecycle, "session": session},
		"")
}

func (s *Source) loadOffsets() (offsets, error) {
	if s.cfg.Store == nil {
		return offsets{}, nil
	}
	cursor, err := s.cfg.Store.Get(s.cfg.Module, s.cfg.SourceID)
	if err != nil {
		return nil, err
	}
	if cursor == "" {
		return offsets{}, nil
	}
	var o offsets
	if err := json.Unmarshal([]byte(cursor), &o); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return o, nil
}

func (s *Source) saveOffsets(o offsets) error {
	if s.cfg.Store == nil {
		return nil
	}
	encoded, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.cfg.Store.Set(s.cfg.Module, s.cfg.SourceID, string(encoded))
}
