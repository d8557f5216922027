package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileLogger is the built-in append-only JSONL file logger (spec §6
// "loggers MUST support at minimum a file logger"). Grounded on the
// same append-only-file-plus-mutex pattern as internal/bus's durable
// WAL: one json.Marshal per entry, one line per write, fsync left to
// the OS page cache.
type FileLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileLogger creates a FileLogger. It is also registered under the
// plugin name "file" so modules can select it from config.
func NewFileLogger() *FileLogger {
	return &FileLogger{}
}

// Init opens the file named by config["path"] for append, creating it
// if necessary.
func (l *FileLogger) Init(config map[string]any) error {
	path, _ := config["path"].(string)
	if path == "" {
		return fmt.Errorf("file logger: config.path is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("file logger: open %s: %w", path, err)
	}
	l.file = f
	l.enc = json.NewEncoder(f)
	return nil
}

// Log appends entry as one JSON line. A marshal failure is swallowed
// (logging must never be able to break the pipeline it observes); a
// write failure is likewise swallowed since Logger.Log returns no
// error by contract.
func (l *FileLogger) Log(entry Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enc == nil {
		return
	}
	_ = l.enc.Encode(entry)
}

// Shutdown closes the underlying file.
func (l *FileLogger) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.enc = nil
	return err
}
