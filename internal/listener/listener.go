// Package listener implements the process-wide HTTP surface (spec
// §4.6): webhook intake at POST /webhook/:sourceId, and a JSON-in/
// JSON-out control API at POST /control/*, plus a WebSocket live-tail
// at GET /control/stream. Grounded on internal/api/server.go's
// http.NewServeMux with Go 1.22+ method-pattern registration,
// withLogging middleware, and writeJSON/errorResponse helpers;
// graceful shutdown mirrors cmd/thane/main.go's runServe tail
// (signal.Notify + context.WithCancel + bounded drain +
// server.Shutdown(context.Background())), generalized to a listener
// that outlives any single module.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/orgloop/orgloop/internal/connectors/webhook"
	"github.com/orgloop/orgloop/internal/logging"
	"github.com/orgloop/orgloop/internal/runtime"
	"github.com/orgloop/orgloop/internal/statedir"
)

// Server is the process-wide HTTP listener one Runtime is mounted
// behind.
type Server struct {
	address      string
	rt           *runtime.Runtime
	wsLogger     *logging.WSLogger
	drainTimeout time.Duration
	stateDir     string
	logger       *slog.Logger
	onShutdown   func()

	server   *http.Server
	listener net.Listener
}

// New creates a Server. onShutdown is invoked (in a goroutine, after
// the control/shutdown response is written) to let the owning process
// begin its own graceful stop; it may be nil.
func New(address string, rt *runtime.Runtime, wsLogger *logging.WSLogger, drainTimeout time.Duration, stateDir string, logger *slog.Logger, onShutdown func()) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:      address,
		rt:           rt,
		wsLogger:     wsLogger,
		drainTimeout: drainTimeout,
		stateDir:     stateDir,
		logger:       logger,
		onShutdown:   onShutdown,
	}
}

// Start binds address, writes the bound port to <state_dir>/runtime.port
// (spec §6 "daemon discovery"), and serves until ctx is cancelled or
// Shutdown is called. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listener: bind %s: %w", s.address, err)
	}
	s.listener = ln

	port := ln.Addr().(*net.TCPAddr).Port
	if s.stateDir != "" {
		if err := statedir.WritePort(s.stateDir, port); err != nil {
			s.logger.Warn("failed to write runtime.port", "error", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{sourceId}", s.handleWebhook)
	mux.HandleFunc("POST /control/module/load-project", s.handleLoadModule)
	mux.HandleFunc("POST /control/module/unload", s.handleUnload)
	mux.HandleFunc("POST /control/status", s.handleStatus)
	mux.HandleFunc("POST /control/shutdown", s.handleShutdown)
	if s.wsLogger != nil {
		mux.HandleFunc("GET /control/stream", s.wsLogger.ServeHTTP)
	}

	s.server = &http.Server{Handler: s.withLogging(mux)}

	s.logger.Info("listener started", "address", s.address, "port", port)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = s.Shutdown(context.Background())
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Port returns the bound TCP port once Start has run.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if s.stateDir != "" {
		_ = statedir.RemovePort(s.stateDir)
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string, logger *slog.Logger) {
	writeJSON(w, status, map[string]string{"error": message}, logger)
}

// handleWebhook resolves {sourceId} to its owning module and forwards
// the request body to that source's HandleWebhook (spec §4.6 webhook
// intake). The connector itself owns signature verification and
// decoding; the listener only maps status codes.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	sourceID := r.PathValue("sourceId")
	module, ok := s.rt.ModuleForSource(sourceID)
	if !ok {
		errorResponse(w, http.StatusNotFound, "unknown source id", s.logger)
		return
	}

	body, err := readLimited(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "failed to read request body", s.logger)
		return
	}

	events, err := s.rt.HandleWebhook(r.Context(), module, sourceID, r.Header, body)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrSignatureInvalid):
			errorResponse(w, http.StatusUnauthorized, "signature verification failed", s.logger)
		case errors.Is(err, runtime.ErrModuleNotFound), errors.Is(err, runtime.ErrSourceNotFound):
			errorResponse(w, http.StatusNotFound, err.Error(), s.logger)
		case errors.Is(err, runtime.ErrNotWebhookCapable):
			errorResponse(w, http.StatusNotFound, err.Error(), s.logger)
		default:
			errorResponse(w, http.StatusBadRequest, err.Error(), s.logger)
		}
		return
	}

	eventID := ""
	if len(events) > 0 {
		eventID = events[0].ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "event_id": eventID}, s.logger)
}

type loadProjectRequest struct {
	ConfigPath string `json:"configPath"`
	ProjectDir string `json:"projectDir"`
}

func (s *Server) handleLoadModule(w http.ResponseWriter, r *http.Request) {
	var req loadProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.ConfigPath == "" {
		errorResponse(w, http.StatusBadRequest, "configPath is required", s.logger)
		return
	}

	status, err := s.rt.LoadModule(req.ConfigPath)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, status, s.logger)
}

type unloadRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req unloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body", s.logger)
		return
	}
	if req.Name == "" {
		errorResponse(w, http.StatusBadRequest, "name is required", s.logger)
		return
	}

	if err := s.rt.UnloadModule(req.Name, s.drainTimeout); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, runtime.ErrModuleNotFound) {
			status = http.StatusNotFound
		}
		errorResponse(w, status, err.Error(), s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true}, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Status(), s.logger)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true}, s.logger)
	if s.onShutdown != nil {
		go s.onShutdown()
	}
}

func readLimited(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	const maxBody = 10 << 20 // 10MiB, generous for a webhook payload
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxBody {
		return nil, fmt.Errorf("listener: request body exceeds %d bytes", maxBody)
	}
	return data, nil
}
