package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orgloop/orgloop/internal/bus"
	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/identity"
	"github.com/orgloop/orgloop/internal/modcfg"
	"github.com/orgloop/orgloop/internal/plugin"
	"github.com/orgloop/orgloop/internal/resolver"
	"github.com/orgloop/orgloop/internal/scheduler"
	"github.com/orgloop/orgloop/internal/statedir"
)

// Runtime owns the process-wide scheduler and the set of loaded
// modules (spec §4.7). An internal/listener.Server holds a reference
// to one Runtime and calls its exported methods from HTTP handlers.
type Runtime struct {
	registries    *resolver.Registries
	scheduler     *scheduler.Scheduler
	checkpointDir string
	registry      *statedir.Registry
	roster        *identity.Roster
	logger        *slog.Logger

	startedAt time.Time

	mu          sync.RWMutex
	modules     map[string]*Module
	sourceOwner map[string]string // global sourceId -> owning module name
}

// New creates a Runtime. checkpointDir is where each module's owned
// checkpoint database is opened (spec §4.7 "create an owned
// checkpoint store"); stateDir is where the module registry file
// lives. roster may be nil (identity classification becomes a no-op).
func New(registries *resolver.Registries, checkpointDir, stateDir string, roster *identity.Roster, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		registries:    registries,
		scheduler:     scheduler.New(logger),
		checkpointDir: checkpointDir,
		registry:      statedir.OpenRegistry(stateDir),
		roster:        roster,
		logger:        logger,
		modules:       make(map[string]*Module),
		sourceOwner:   make(map[string]string),
	}
}

// Start launches the scheduler and records the process start time.
// Control-API handlers (status) report uptime relative to this.
func (rt *Runtime) Start(ctx context.Context) {
	rt.startedAt = time.Now().UTC()
	rt.scheduler.Start(ctx)
	rt.logger.Info("runtime started")
}

// Uptime reports how long Start has been running.
func (rt *Runtime) Uptime() time.Duration {
	if rt.startedAt.IsZero() {
		return 0
	}
	return time.Since(rt.startedAt)
}

// Stop stops the scheduler (bounding in-flight polls) and unloads
// every loaded module, draining in-flight deliveries up to
// drainTimeout each (spec §5 "bounded drain window, default 10s").
func (rt *Runtime) Stop(drainTimeout time.Duration) {
	rt.scheduler.Stop()

	rt.mu.RLock()
	names := make([]string, 0, len(rt.modules))
	for name := range rt.modules {
		names = append(names, name)
	}
	rt.mu.RUnlock()

	for _, name := range names {
		if err := rt.UnloadModule(name, drainTimeout); err != nil {
			rt.logger.Error("error unloading module during shutdown", "module", name, "error", err)
		}
	}
}

// peekModuleName reads just enough of a module config file to learn
// its name, before a checkpoint store can be opened and handed to the
// full resolver.
func peekModuleName(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("runtime: read %s: %w", path, err)
	}
	var peek struct {
		Name string `yaml:"name"`
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &peek); err != nil {
		return "", fmt.Errorf("runtime: parse %s: %w", path, err)
	}
	if peek.Name == "" {
		return "", fmt.Errorf("runtime: %s: module name is required", path)
	}
	return peek.Name, nil
}

// LoadModule resolves configPath into a Module and activates it. If a
// module with the same name is already loaded, this performs a hot-
// reload: the old module is unloaded first, but its checkpoint
// database (keyed by module name) is reopened rather than recreated,
// so checkpoints for unchanged sources survive (spec §4.7).
func (rt *Runtime) LoadModule(configPath string) (*ModuleStatus, error) {
	name, err := peekModuleName(configPath)
	if err != nil {
		return nil, err
	}

	if existing := rt.moduleNamed(name); existing != nil {
		if err := rt.UnloadModule(name, 10*time.Second); err != nil {
			return nil, fmt.Errorf("runtime: hot-reload %s: unload previous: %w", name, err)
		}
	}

	store, err := checkpoint.Open(filepath.Join(rt.checkpointDir, name+".db"))
	if err != nil {
		return nil, fmt.Errorf("runtime: open checkpoint store for %s: %w", name, err)
	}

	eventBus, err := bus.OpenDurable(
		filepath.Join(rt.checkpointDir, name+".wal"),
		filepath.Join(rt.checkpointDir, name+".ack"),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("runtime: open event bus for %s: %w", name, err)
	}

	res := resolver.New(rt.registries, store, rt.logger)
	resolved, err := res.Resolve(configPath)
	if err != nil {
		eventBus.Close()
		store.Close()
		return nil, err
	}
	cfg := resolved.Config

	if err := rt.claimSources(name, cfg.Sources); err != nil {
		eventBus.Close()
		store.Close()
		return nil, err
	}

	mod := newModule(name, configPath, cfg, resolved, store, eventBus, rt.roster, rt.logger)
	mod.recoverUnacked(context.Background())

	for _, def := range cfg.Sources {
		interval := resolved.PollIntervals[def.ID]
		sourceID := def.ID
		rt.scheduler.AddSource(schedulerKey(name, sourceID), interval, func(ctx context.Context, _ string) {
			mod.poll(ctx, sourceID)
		})
	}

	rt.mu.Lock()
	rt.modules[name] = mod
	rt.mu.Unlock()

	if err := rt.persistRegistry(); err != nil {
		rt.logger.Warn("failed to persist module registry", "error", err)
	}

	status := mod.snapshot()
	rt.logger.Info("module loaded", "module", name, "sources", len(cfg.Sources), "actors", len(cfg.Actors), "routes", len(cfg.Routes))
	return &status, nil
}

func (rt *Runtime) moduleNamed(name string) *Module {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.modules[name]
}

// claimSources reserves every source id in defs for module name,
// rejecting the load if any id is already owned by a different module
// (spec §5 "registering a duplicate source id across modules is
// rejected at module-load time").
func (rt *Runtime) claimSources(name string, defs []modcfg.SourceDef) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, def := range defs {
		if owner, ok := rt.sourceOwner[def.ID]; ok && owner != name {
			return fmt.Errorf("%w: %q already owned by module %q", ErrDuplicateSource, def.ID, owner)
		}
	}
	for _, def := range defs {
		rt.sourceOwner[def.ID] = name
	}
	return nil
}

// UnloadModule deregisters name's tickers, drains in-flight
// deliveries up to drainTimeout, shuts down every plugin instance, and
// removes the module from the registry (spec §4.7).
func (rt *Runtime) UnloadModule(name string, drainTimeout time.Duration) error {
	rt.mu.Lock()
	mod, ok := rt.modules[name]
	if !ok {
		rt.mu.Unlock()
		return ErrModuleNotFound
	}
	delete(rt.modules, name)
	for _, def := range mod.config.Sources {
		delete(rt.sourceOwner, def.ID)
	}
	rt.mu.Unlock()

	for _, def := range mod.config.Sources {
		rt.scheduler.RemoveSource(schedulerKey(name, def.ID))
	}

	drained := make(chan struct{})
	go func() {
		mod.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		rt.logger.Warn("module unload: drain timeout exceeded, shutting down with deliveries still in flight", "module", name)
	}

	if err := rt.persistRegistry(); err != nil {
		rt.logger.Warn("failed to persist module registry after unload", "error", err)
	}

	return mod.shutdown()
}

func (rt *Runtime) persistRegistry() error {
	rt.mu.RLock()
	snapshot := make(map[string]string, len(rt.modules))
	for name, mod := range rt.modules {
		snapshot[name] = mod.ConfigPath
	}
	rt.mu.RUnlock()
	return rt.registry.Save(snapshot)
}

// ListModules returns a status snapshot for every loaded module.
func (rt *Runtime) ListModules() []ModuleStatus {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]ModuleStatus, 0, len(rt.modules))
	for _, mod := range rt.modules {
		out = append(out, mod.snapshot())
	}
	return out
}

// Status is the process-wide snapshot spec §4.6's `status` control
// path returns.
type Status struct {
	Running  bool           `json:"running"`
	UptimeMS int64          `json:"uptime_ms"`
	Modules  []ModuleStatus `json:"modules"`
}

// Status returns the process-wide snapshot.
func (rt *Runtime) Status() Status {
	return Status{
		Running:  true,
		UptimeMS: rt.Uptime().Milliseconds(),
		Modules:  rt.ListModules(),
	}
}

// HandleWebhook dispatches an inbound webhook POST to the named
// module's source, ingesting whatever events it returns through that
// module's router/transform/actor graph (spec §4.6). The returned
// events are also handed back to the caller so the listener can
// report {ok, event_id} for the first one.
func (rt *Runtime) HandleWebhook(ctx context.Context, module, sourceID string, header http.Header, body []byte) ([]*envelope.Event, error) {
	mod := rt.moduleNamed(module)
	if mod == nil {
		return nil, ErrModuleNotFound
	}
	src, ok := mod.resolved.Sources[sourceID]
	if !ok {
		return nil, ErrSourceNotFound
	}
	webhookSrc, ok := src.(plugin.WebhookSource)
	if !ok {
		return nil, ErrNotWebhookCapable
	}
	events, err := webhookSrc.HandleWebhook(ctx, header, body)
	if err != nil {
		return nil, err
	}
	mod.ingest(ctx, events)
	return events, nil
}

// Inject admits events directly into a module's processing graph,
// bypassing Poll/HandleWebhook (spec §4.7 `inject`, used by tests and
// by any future non-HTTP intake path).
func (rt *Runtime) Inject(ctx context.Context, module string, events []*envelope.Event) error {
	mod := rt.moduleNamed(module)
	if mod == nil {
		return ErrModuleNotFound
	}
	mod.ingest(ctx, events)
	return nil
}

// ModuleForSource returns the name of the module currently owning
// sourceID, for the listener to resolve a bare POST /webhook/:sourceId
// path into a (module, source) pair (spec §4.6: webhook paths are
// namespaced by source id alone, enforced unique process-wide).
func (rt *Runtime) ModuleForSource(sourceID string) (string, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	name, ok := rt.sourceOwner[sourceID]
	return name, ok
}

func schedulerKey(module, sourceID string) string {
	return module + ":" + sourceID
}
