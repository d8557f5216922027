package logging

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSLogger is the built-in live-tail logger the control API's
// GET /control/stream endpoint serves (spec §7). It is a non-blocking
// broadcast hub: entries are dropped for a subscriber whose outbound
// channel is full rather than stalling the pipeline, the same
// trade-off the teacher's internal/events.Bus makes for its WebSocket
// consumers.
type WSLogger struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[chan Entry]struct{}

	upgrader websocket.Upgrader
}

// NewWSLogger creates a WSLogger. A nil logger falls back to
// slog.Default.
func NewWSLogger(logger *slog.Logger) *WSLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSLogger{
		logger: logger,
		subs:   make(map[chan Entry]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Init is a no-op; WSLogger has no config (present to satisfy Logger).
func (l *WSLogger) Init(config map[string]any) error { return nil }

// Log broadcasts entry to every connected subscriber.
func (l *WSLogger) Log(entry Entry) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for ch := range l.subs {
		select {
		case ch <- entry:
		default:
			l.logger.Warn("live-tail subscriber full, dropping entry", "phase", entry.Phase)
		}
	}
}

// Shutdown closes every subscriber channel.
func (l *WSLogger) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		close(ch)
	}
	l.subs = make(map[chan Entry]struct{})
	return nil
}

// ServeHTTP upgrades the request to a WebSocket and streams every
// subsequently logged Entry to it as JSON until the connection drops.
// Wired at GET /control/stream by internal/listener.
func (l *WSLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Error("live-tail upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan Entry, 64)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.subs, ch)
		l.mu.Unlock()
	}()

	// Detect client-initiated close so the write goroutine below exits.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
