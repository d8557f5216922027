// Package runtime implements the module registry described in spec
// §4.7: it owns the process-wide scheduler (the HTTP listener in
// internal/listener holds a reference to the Runtime), instantiates a module's sources/actors/transforms/loggers from a
// resolver.Resolved, and drives every matched event through that
// module's own router/transform/actor graph. Modules never cross-
// route (spec §5 "the bus is per-module").
//
// Grounded on cmd/thane/main.go's runServe component-construction
// order and graceful-shutdown goroutine (signal.Notify +
// context.WithCancel + bounded drain), generalized from wiring one
// agent process to loading/unloading N independent modules that share
// one scheduler and one listener.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/orgloop/orgloop/internal/bus"
	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/identity"
	"github.com/orgloop/orgloop/internal/logging"
	"github.com/orgloop/orgloop/internal/modcfg"
	"github.com/orgloop/orgloop/internal/plugin"
	"github.com/orgloop/orgloop/internal/resolver"
	"github.com/orgloop/orgloop/internal/router"
	"github.com/orgloop/orgloop/internal/transform"
)

// State is a module's lifecycle state (spec §4.7/§7).
type State string

const (
	StateActive   State = "active"
	StateDegraded State = "degraded"
)

// Module is one loaded module instance: its resolved plugins, its own
// router and logger fan-out, and bookkeeping for hot-reload and
// graceful drain.
type Module struct {
	Name       string
	ConfigPath string
	LoadedAt   time.Time

	config   modcfg.ModuleConfig
	resolved *resolver.Resolved
	store    *checkpoint.Store
	eventBus bus.Bus
	router   *router.Router
	logs     *logging.Fanout
	roster   *identity.Roster
	logger   *slog.Logger

	mu         sync.RWMutex
	state      State
	reason     string
	transforms map[string]*transform.Pipeline
	inFlight   sync.WaitGroup
}

// newModule builds a Module and subscribes its one bus handler: every
// event published on eventBus runs through routing, the matched
// routes' transform pipelines, and delivery, and is acked only if that
// whole pass succeeds (spec §4.1 "if a subscriber handler throws, the
// entry remains unacked").
func newModule(name, configPath string, cfg modcfg.ModuleConfig, resolved *resolver.Resolved, store *checkpoint.Store, eventBus bus.Bus, roster *identity.Roster, logger *slog.Logger) *Module {
	m := &Module{
		Name:       name,
		ConfigPath: configPath,
		LoadedAt:   time.Now().UTC(),
		config:     cfg,
		resolved:   resolved,
		store:      store,
		eventBus:   eventBus,
		router:     router.New(logger),
		logs:       logging.NewFanout(loggerValues(resolved.Loggers)...),
		roster:     roster,
		logger:     logger,
		state:      StateActive,
		transforms: make(map[string]*transform.Pipeline),
	}
	m.buildPipelines()
	m.eventBus.Subscribe(bus.Filter{}, m.process)
	return m
}

func loggerValues(loggers map[string]logging.Logger) []logging.Logger {
	out := make([]logging.Logger, 0, len(loggers))
	for _, l := range loggers {
		out = append(out, l)
	}
	return out
}

// buildPipelines resolves each route's transform refs into an ordered
// transform.Pipeline once at load time, so a poll or webhook tick
// never re-resolves refs or re-merges config on the hot path.
func (m *Module) buildPipelines() {
	for _, route := range m.config.Routes {
		steps := make([]transform.Step, 0, len(route.Transforms))
		for _, ref := range route.Transforms {
			def, ok := transform.ResolveRef(ref.Ref, m.config.Transforms)
			if !ok {
				m.logger.Warn("route references undeclared transform", "route", route.Name, "transform", ref.Ref)
				continue
			}
			impl, ok := m.resolved.Transforms[def.Name]
			if !ok {
				m.logger.Warn("transform has no constructed instance", "transform", def.Name)
				continue
			}
			steps = append(steps, transform.Step{
				Name:   def.Name,
				Impl:   impl,
				Config: transform.MergeConfig(def.Config, ref.Config),
			})
		}
		m.transforms[route.Name] = transform.New(steps)
	}
}

// recoverUnacked re-processes every event left unacked by a prior
// crash, in the order the bus recorded them (spec §4.1 "on restart,
// unacked entries are re-published in ingest order"). It calls
// process directly rather than Publish, since the events are already
// durably recorded in the WAL and re-publishing would append a
// duplicate record.
func (m *Module) recoverUnacked(ctx context.Context) {
	unacked, err := m.eventBus.Unacked()
	if err != nil {
		m.logger.Error("failed to read unacked events", "module", m.Name, "error", err)
		return
	}
	for _, e := range unacked {
		if err := m.process(ctx, e); err != nil {
			m.logger.Error("recovered event failed again, leaving unacked", "module", m.Name, "event", e.ID, "error", err)
			continue
		}
		if err := m.eventBus.Ack(e.ID); err != nil {
			m.logger.Warn("ack failed during recovery", "module", m.Name, "event", e.ID, "error", err)
		}
	}
}

func (m *Module) setDegraded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDegraded
	m.reason = reason
}

func (m *Module) snapshot() ModuleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sources := make([]string, 0, len(m.resolved.Sources))
	for id := range m.resolved.Sources {
		sources = append(sources, id)
	}
	actors := make([]string, 0, len(m.resolved.Actors))
	for id := range m.resolved.Actors {
		actors = append(actors, id)
	}
	routes := make([]string, 0, len(m.config.Routes))
	for _, r := range m.config.Routes {
		routes = append(routes, r.Name)
	}
	return ModuleStatus{
		Name:       m.Name,
		State:      string(m.state),
		Reason:     m.reason,
		ConfigPath: m.ConfigPath,
		LoadedAt:   m.LoadedAt,
		Sources:    sources,
		Actors:     actors,
		Routes:     routes,
	}
}

// ModuleStatus is the introspective snapshot spec §4.7's status()
// names for one module.
type ModuleStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	ConfigPath string    `json:"config_path"`
	LoadedAt   time.Time `json:"loaded_at"`
	Sources    []string  `json:"sources"`
	Actors     []string  `json:"actors"`
	Routes     []string  `json:"routes"`
}

// poll runs one source's Poll and ingests whatever it returns. Invoked
// by the scheduler's PollFunc; sourceID is the bare (unprefixed) id
// within this module.
func (m *Module) poll(ctx context.Context, sourceID string) {
	src, ok := m.resolved.Sources[sourceID]
	if !ok {
		return
	}
	events, err := src.Poll(ctx)
	if err != nil {
		m.logs.Log(logging.Entry{Phase: logging.PhaseSystemError, Source: sourceID, Error: err.Error()})
		m.logger.Error("source poll failed", "module", m.Name, "source", sourceID, "error", err)
		return
	}
	m.ingest(ctx, events)
}

// ingest publishes every event on the module's bus and acks it once
// every matched route has finished processing, leaving it unacked on
// failure for crash-recovery replay (spec §4.1). Events within one
// batch are published in the order returned by the source; route
// pipelines for one event still run concurrently inside process.
func (m *Module) ingest(ctx context.Context, events []*envelope.Event) {
	for _, e := range events {
		m.normalize(e)
		m.logs.Log(logging.Entry{
			Phase: logging.PhaseSourceEmit, EventID: e.ID, TraceID: e.TraceID,
			Source: e.Source, EventType: string(e.Type),
		})

		if err := m.eventBus.Publish(ctx, e); err != nil {
			m.logger.Error("event processing failed, leaving unacked", "module", m.Name, "event", e.ID, "error", err)
			continue
		}
		if err := m.eventBus.Ack(e.ID); err != nil {
			m.logger.Warn("ack failed", "module", m.Name, "event", e.ID, "error", err)
		}
	}
}

// process is the module's single bus subscriber: it matches routes,
// runs each matched route's transform pipeline and delivery
// concurrently, and returns the first route error so the event stays
// unacked (spec §4.1 failure model).
func (m *Module) process(ctx context.Context, e *envelope.Event) error {
	matches := m.router.Match(e, m.config.Routes)
	if len(matches) == 0 {
		m.logs.Log(logging.Entry{
			Phase: logging.PhaseRouteNoMatch, EventID: e.ID, TraceID: e.TraceID, Source: e.Source,
		})
		return nil
	}

	errs := make([]error, len(matches))
	var wg sync.WaitGroup
	for i, route := range matches {
		wg.Add(1)
		m.inFlight.Add(1)
		go func(i int, route modcfg.Route) {
			defer wg.Done()
			defer m.inFlight.Done()
			errs[i] = m.runRoute(ctx, route, e)
		}(i, route)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// normalize applies identity classification to an event's
// provenance.author_type when the module has a roster and the
// connector has not already resolved one beyond "unknown" (spec §8
// C.12, invoked between source emit and route matching).
func (m *Module) normalize(e *envelope.Event) {
	if m.roster == nil {
		return
	}
	email, _ := e.Provenance["author"].(string)
	if email == "" {
		return
	}
	current, _ := e.Provenance["author_type"].(string)
	if current != "" && current != string(envelope.AuthorUnknown) {
		return
	}
	if classified := m.roster.Classify(email); classified == envelope.AuthorTeamMember {
		e.Provenance["author_type"] = string(classified)
	}
}

func (m *Module) runRoute(ctx context.Context, route modcfg.Route, e *envelope.Event) error {
	m.logs.Log(logging.Entry{
		Phase: logging.PhaseRouteMatch, EventID: e.ID, TraceID: e.TraceID,
		Source: e.Source, Route: route.Name, EventType: string(e.Type),
	})

	tc := plugin.TransformContext{
		Source:    e.Source,
		Target:    route.Then.Actor,
		EventType: string(e.Type),
		RouteName: route.Name,
	}

	pipeline := m.transforms[route.Name]
	result := pipeline.Run(ctx, e, tc, func(step transform.Step, r transform.Result) {
		switch r.Outcome {
		case transform.OutcomeDrop:
			m.logs.Log(logging.Entry{Phase: logging.PhaseTransformDrop, EventID: e.ID, TraceID: e.TraceID, Route: route.Name, Transform: step.Name})
		case transform.OutcomeError:
			m.logs.Log(logging.Entry{Phase: logging.PhaseTransformError, EventID: e.ID, TraceID: e.TraceID, Route: route.Name, Transform: step.Name, Error: r.Err.Error()})
		case transform.OutcomePass:
			m.logs.Log(logging.Entry{Phase: logging.PhaseTransformPass, EventID: e.ID, TraceID: e.TraceID, Route: route.Name, Transform: step.Name})
		}
	})

	if result.Outcome == transform.OutcomeDrop {
		return nil
	}

	a, ok := m.resolved.Actors[route.Then.Actor]
	if !ok {
		err := fmt.Errorf("actor not resolved: %s", route.Then.Actor)
		m.logs.Log(logging.Entry{Phase: logging.PhaseSystemError, EventID: e.ID, TraceID: e.TraceID, Route: route.Name, Error: err.Error()})
		return err
	}

	promptFile := m.resolvePromptFile(route)

	m.logs.Log(logging.Entry{Phase: logging.PhaseDeliverAttempt, EventID: e.ID, TraceID: e.TraceID, Route: route.Name, Target: route.Then.Actor})
	start := time.Now()
	responseEvent, err := a.Deliver(ctx, result.Event, promptFile)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		m.logs.Log(logging.Entry{
			Phase: logging.PhaseDeliverFailure, EventID: e.ID, TraceID: e.TraceID,
			Route: route.Name, Target: route.Then.Actor, Error: err.Error(), DurationMS: &duration,
		})
		m.logger.Error("delivery failed", "module", m.Name, "route", route.Name, "actor", route.Then.Actor, "error", err)
		return err
	}
	m.logs.Log(logging.Entry{
		Phase: logging.PhaseDeliverSuccess, EventID: e.ID, TraceID: e.TraceID,
		Route: route.Name, Target: route.Then.Actor, DurationMS: &duration,
	})

	if responseEvent != nil {
		// Inherits the originating event's trace_id (spec §9 Open
		// Question, resolved: "existing behavior appears to be inherit").
		responseEvent.TraceID = e.TraceID
		m.ingest(ctx, []*envelope.Event{responseEvent})
	}
	return nil
}

// resolvePromptFile resolves the route's configured prompt file
// relative to the module's own config file directory (spec §4.5) and
// verifies it is readable. On a missing or unreadable file it logs a
// warning and returns "" so delivery proceeds without the prompt
// rather than failing the whole route.
func (m *Module) resolvePromptFile(route modcfg.Route) string {
	if route.With.PromptFile == "" {
		return ""
	}
	path := route.With.PromptFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(m.config.ModulePath), path)
	}
	if _, err := os.Stat(path); err != nil {
		m.logger.Warn("prompt file unreadable, delivering without it", "module", m.Name, "route", route.Name, "path", path, "error", err)
		return ""
	}
	return path
}

// shutdown tears down every plugin instance in the same order the
// resolver constructs them, not in reverse: sources, then actors, then
// transforms, then loggers. It then closes the module's event bus and
// checkpoint store. Errors are collected but do not stop remaining
// shutdowns.
func (m *Module) shutdown() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for id, src := range m.resolved.Sources {
		if err := src.Shutdown(); err != nil {
			record(fmt.Errorf("source %s: %w", id, err))
		}
	}
	for id, a := range m.resolved.Actors {
		if err := a.Shutdown(); err != nil {
			record(fmt.Errorf("actor %s: %w", id, err))
		}
	}
	for name, t := range m.resolved.Transforms {
		if err := t.Shutdown(); err != nil {
			record(fmt.Errorf("transform %s: %w", name, err))
		}
	}
	if err := m.logs.Shutdown(); err != nil {
		record(fmt.Errorf("loggers: %w", err))
	}
	if err := m.eventBus.Close(); err != nil {
		record(fmt.Errorf("event bus: %w", err))
	}
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			record(fmt.Errorf("checkpoint store: %w", err))
		}
	}
	return firstErr
}
