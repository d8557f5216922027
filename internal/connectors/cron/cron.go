// Package cron implements the tick source: a connector with no real
// I/O that simply emits one synthetic resource.changed "tick" event
// per poll, letting scheduled automations run through the same
// route/transform/actor graph as any other source.
package cron

import (
	"context"
	"fmt"

	"github.com/orgloop/orgloop/internal/envelope"
)

// Source is the tick connector.
type Source struct {
	sourceID string
	label    string
	tickNum  int64
}

// New constructs a cron Source. Registered under the plugin name
// "cron".
func New() *Source {
	return &Source{}
}

// Init reads config.source_id and config.label (an arbitrary string
// carried in the emitted event's payload, default "tick").
func (s *Source) Init(config map[string]any) error {
	s.sourceID, _ = config["source_id"].(string)
	s.label = "tick"
	if v, ok := config["label"].(string); ok && v != "" {
		s.label = v
	}
	return nil
}

// Shutdown is a no-op; Source holds no resources.
func (s *Source) Shutdown() error { return nil }

// Poll emits exactly one tick event per invocation.
func (s *Source) Poll(ctx context.Context) ([]*envelope.Event, error) {
	s.tickNum++

	e, err := envelope.New(s.sourceID, envelope.TypeResourceChanged,
		envelope.Provenance{"platform": "cron"},
		envelope.Payload{"label": s.label, "tick": s.tickNum},
		"")
	if err != nil {
		return nil, fmt.Errorf("cron: construct event: %w", err)
	}

	return []*envelope.Event{e}, nil
}
