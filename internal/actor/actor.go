// Package actor provides the built-in HTTPActor delivery target (spec
// §4.6): actors receive a resolved event and an optional prompt file
// path and deliver it to an external system, here a plain JSON POST.
// Grounded on internal/httpkit's shared client construction and
// internal/api/server.go's writeJSON/error-response conventions.
package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/httpkit"
)

// deliverRequest is the JSON body posted to an HTTPActor's configured
// URL for one delivery.
type deliverRequest struct {
	Event  *envelope.Event `json:"event"`
	Prompt string          `json:"prompt,omitempty"`
}

// HTTPActor posts the resolved event (and, if configured, the
// contents of the route's prompt file) to a fixed URL as JSON.
type HTTPActor struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPActor constructs an HTTPActor. Registered under the plugin
// name "http".
func NewHTTPActor(logger *slog.Logger) *HTTPActor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPActor{logger: logger}
}

// Init reads config.url (required) and an optional config.headers map
// of string -> string added to every request.
func (a *HTTPActor) Init(config map[string]any) error {
	url, _ := config["url"].(string)
	if url == "" {
		return fmt.Errorf("http actor: config.url is required")
	}
	a.url = url

	a.headers = map[string]string{}
	if raw, ok := config["headers"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				a.headers[k] = s
			}
		}
	}

	a.client = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithRetry(2, 0))
	return nil
}

// deliverResponse is the optional JSON body an HTTPActor's target may
// reply with to close the loop (spec §4.5 responseEvent). A target
// that replies with an empty body or a body with no "response_event"
// key produces no responseEvent.
type deliverResponse struct {
	ResponseEvent *envelope.Event `json:"response_event"`
}

// Deliver reads promptFile (if non-empty) and POSTs the event and its
// contents to the configured URL. If the target replies with a
// {"response_event": {...}} body, that event is returned as the
// responseEvent for the runtime to publish back through the bus.
func (a *HTTPActor) Deliver(ctx context.Context, e *envelope.Event, promptFile string) (*envelope.Event, error) {
	var prompt string
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return nil, fmt.Errorf("http actor: read prompt file %s: %w", promptFile, err)
		}
		prompt = string(data)
	}

	body, err := json.Marshal(deliverRequest{Event: e, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("http actor: marshal delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("http actor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http actor: deliver to %s: %w", a.url, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http actor: %s responded %s", a.url, resp.Status)
	}

	var reply deliverResponse
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, nil // no JSON body (or an empty one) is not an error, just no responseEvent
	}
	return reply.ResponseEvent, nil
}

// Shutdown is a no-op; the shared httpkit client needs no teardown.
func (a *HTTPActor) Shutdown() error { return nil }
