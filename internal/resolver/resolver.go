// Package resolver turns a module configuration file on disk into a
// typed modcfg.ModuleConfig plus a fully constructed set of plugin
// instances (sources, actors, transforms, loggers). Full JSON-Schema
// validation and a standalone CLI are out of scope (spec §1
// Non-goals: "YAML parsing and JSON-Schema validation" belong to an
// operator tool, not the core); this resolver exists so
// module/load-project is testable end-to-end in-repo with only the
// YAML-unmarshal-plus-sanity-check layer a production operator tool
// would also need.
//
// Grounded on internal/config/config.go's Load (os.ExpandEnv, then
// yaml.Unmarshal, then applyDefaults/Validate): the same three-step
// shape is applied here to a ModuleConfig instead of a daemon Config,
// plus a fourth step — constructing the named plugin instances the
// resolved config references — that the teacher's single-process
// config has no analog for.
package resolver

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orgloop/orgloop/internal/actor"
	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/connectors/cron"
	"github.com/orgloop/orgloop/internal/connectors/email"
	"github.com/orgloop/orgloop/internal/connectors/github"
	"github.com/orgloop/orgloop/internal/connectors/harness"
	"github.com/orgloop/orgloop/internal/connectors/mqtt"
	"github.com/orgloop/orgloop/internal/connectors/webhook"
	"github.com/orgloop/orgloop/internal/logging"
	"github.com/orgloop/orgloop/internal/modcfg"
	"github.com/orgloop/orgloop/internal/plugin"
	"github.com/orgloop/orgloop/internal/transform"
)

// defaultPollInterval is used for a poll-based source whose config
// and module-level defaults both leave the interval unset.
const defaultPollInterval = 30 * time.Second

// Registries holds the constructor registry for each plugin kind. One
// set of registries is shared process-wide across every loaded
// module; a Resolver only reads from it.
type Registries struct {
	Sources    *plugin.Registry[plugin.Source]
	Actors     *plugin.Registry[plugin.Actor]
	Transforms *plugin.Registry[plugin.Transform]
	Loggers    *plugin.Registry[logging.Logger]
}

// NewRegistries builds a Registries populated with every built-in
// connector, actor, transform, and logger implementation. Script
// transforms are not registered here: a TransformDef of type "script"
// is constructed directly by Resolve from its script and timeout_ms
// fields rather than looked up by name, since transform.NewScript takes a typed
// ScriptConfig, not a generic config map.
func NewRegistries() *Registries {
	r := &Registries{
		Sources:    plugin.NewRegistry[plugin.Source](),
		Actors:     plugin.NewRegistry[plugin.Actor](),
		Transforms: plugin.NewRegistry[plugin.Transform](),
		Loggers:    plugin.NewRegistry[logging.Logger](),
	}

	r.Sources.Register("cron", func(config map[string]any) (plugin.Source, error) {
		s := cron.New()
		if err := s.Init(config); err != nil {
			return nil, err
		}
		return s, nil
	})
	r.Sources.Register("webhook", func(config map[string]any) (plugin.Source, error) {
		s := webhook.New()
		if err := s.Init(config); err != nil {
			return nil, err
		}
		return s, nil
	})
	r.Sources.Register("harness", func(config map[string]any) (plugin.Source, error) {
		s := harness.New()
		if err := s.Init(config); err != nil {
			return nil, err
		}
		return s, nil
	})
	r.Sources.Register("email", func(config map[string]any) (plugin.Source, error) {
		s := email.New()
		if err := s.Init(config); err != nil {
			return nil, err
		}
		return s, nil
	})
	r.Sources.Register("mqtt", func(config map[string]any) (plugin.Source, error) {
		s := mqtt.New()
		if err := s.Init(config); err != nil {
			return nil, err
		}
		return s, nil
	})
	r.Sources.Register("github", func(config map[string]any) (plugin.Source, error) {
		s := github.New()
		if err := s.Init(config); err != nil {
			return nil, err
		}
		return s, nil
	})

	r.Actors.Register("http", func(config map[string]any) (plugin.Actor, error) {
		a := actor.NewHTTPActor(nil)
		if err := a.Init(config); err != nil {
			return nil, err
		}
		return a, nil
	})

	r.Transforms.Register("markdown_render", func(config map[string]any) (plugin.Transform, error) {
		t := transform.NewMarkdownRender()
		if err := t.Init(config); err != nil {
			return nil, err
		}
		return t, nil
	})

	r.Loggers.Register("file", func(config map[string]any) (logging.Logger, error) {
		l := logging.NewFileLogger()
		if err := l.Init(config); err != nil {
			return nil, err
		}
		return l, nil
	})
	r.Loggers.Register("ws", func(config map[string]any) (logging.Logger, error) {
		l := logging.NewWSLogger(nil)
		if err := l.Init(config); err != nil {
			return nil, err
		}
		return l, nil
	})

	return r
}

// Resolved is one module's typed configuration plus its constructed
// plugin instances, ready for a runtime.Module to wire into a
// scheduler and router.
type Resolved struct {
	Config     modcfg.ModuleConfig
	Sources    map[string]plugin.Source
	Actors     map[string]plugin.Actor
	Transforms map[string]plugin.Transform
	Loggers    map[string]logging.Logger

	// PollIntervals carries the resolved scheduler interval per
	// source id, applying the module's default and the package-wide
	// fallback to any source that left poll.interval unset.
	PollIntervals map[string]time.Duration
}

// Resolver builds a Resolved module from a YAML file on disk.
type Resolver struct {
	registries *Registries
	store      *checkpoint.Store
	logger     *slog.Logger
}

// New constructs a Resolver against the shared plugin registries and
// the module's owned checkpoint store (spec §4.7 "create an owned
// checkpoint store" — one store per module, injected into every
// source that needs cursor persistence). A nil logger falls back to
// slog.Default.
func New(registries *Registries, store *checkpoint.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{registries: registries, store: store, logger: logger}
}

// Resolve reads path, expands environment variables, unmarshals it
// into a modcfg.ModuleConfig, validates referential integrity between
// sources/actors/routes/transforms, and constructs every plugin
// instance the config names.
func (r *Resolver) Resolve(path string) (*Resolved, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resolver: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg modcfg.ModuleConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("resolver: parse %s: %w", path, err)
	}
	cfg.ModulePath = path

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("resolver: %s: %w", path, err)
	}

	resolved := &Resolved{
		Config:        cfg,
		Sources:       make(map[string]plugin.Source, len(cfg.Sources)),
		Actors:        make(map[string]plugin.Actor, len(cfg.Actors)),
		Transforms:    make(map[string]plugin.Transform, len(cfg.Transforms)),
		Loggers:       make(map[string]logging.Logger, len(cfg.Loggers)),
		PollIntervals: make(map[string]time.Duration, len(cfg.Sources)),
	}

	for _, def := range cfg.Sources {
		config := withInjectedDeps(def.Config, cfg.Name, def.ID, r.store, r.logger)
		src, err := r.registries.Sources.New(def.Connector, config)
		if err != nil {
			return nil, fmt.Errorf("resolver: source %q: %w", def.ID, err)
		}
		resolved.Sources[def.ID] = src
		resolved.PollIntervals[def.ID] = pollInterval(def, cfg.Defaults)
	}

	for _, def := range cfg.Actors {
		config := withInjectedDeps(def.Config, cfg.Name, def.ID, r.store, r.logger)
		a, err := r.registries.Actors.New(def.Connector, config)
		if err != nil {
			return nil, fmt.Errorf("resolver: actor %q: %w", def.ID, err)
		}
		resolved.Actors[def.ID] = a
	}

	for _, def := range cfg.Transforms {
		t, err := r.resolveTransform(def)
		if err != nil {
			return nil, fmt.Errorf("resolver: transform %q: %w", def.Name, err)
		}
		resolved.Transforms[def.Name] = t
	}

	for _, def := range cfg.Loggers {
		config := withInjectedDeps(def.Config, cfg.Name, def.ID, nil, r.logger)
		l, err := r.registries.Loggers.New(def.Connector, config)
		if err != nil {
			return nil, fmt.Errorf("resolver: logger %q: %w", def.ID, err)
		}
		resolved.Loggers[def.ID] = l
	}

	return resolved, nil
}

// resolveTransform builds a package-backed transform from the shared
// registry, or a script-backed transform directly from its command
// and timeout fields (spec §4.4: script transforms run as a fresh
// subprocess per event rather than being looked up by a stable
// instance name).
func (r *Resolver) resolveTransform(def modcfg.TransformDef) (plugin.Transform, error) {
	switch def.Type {
	case modcfg.TransformTypePackage:
		return r.registries.Transforms.New(def.Package, def.Config)
	case modcfg.TransformTypeScript:
		timeout := time.Duration(def.TimeoutMS) * time.Millisecond
		return transform.NewScript(def.Name, transform.ScriptConfig{
			Command: def.Script,
			Timeout: timeout,
			Logger:  r.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transform type %q", def.Type)
	}
}

// withInjectedDeps returns a copy of config with the module name,
// source/actor/logger id, checkpoint store, and logger merged in
// under the key names each connector's Init reads. The github
// connector reads its store under "checkpoint_store" rather than
// "store"; both keys are set so either lookup succeeds.
func withInjectedDeps(config map[string]any, module, id string, store *checkpoint.Store, logger *slog.Logger) map[string]any {
	merged := make(map[string]any, len(config)+5)
	for k, v := range config {
		merged[k] = v
	}
	merged["module"] = module
	merged["source_id"] = id
	if store != nil {
		merged["store"] = store
		merged["checkpoint_store"] = store
	}
	if logger != nil {
		merged["logger"] = logger
	}
	return merged
}

// pollInterval resolves a source's scheduler interval: the source's
// own poll.interval, else the module's defaults.poll_interval, else
// defaultPollInterval. A parse failure at either level falls through
// to the next.
func pollInterval(def modcfg.SourceDef, defaults modcfg.Defaults) time.Duration {
	if def.Poll != nil && def.Poll.Interval != "" {
		if d, err := time.ParseDuration(def.Poll.Interval); err == nil {
			return d
		}
	}
	if defaults.PollInterval != "" {
		if d, err := time.ParseDuration(defaults.PollInterval); err == nil {
			return d
		}
	}
	return defaultPollInterval
}

// validate checks referential integrity the YAML decoder can't: every
// route must name a source, event set, and actor that actually exist,
// and every transform ref on a route must name a declared transform.
// This is intentionally shallow — no JSON-Schema, no type coercion
// beyond what yaml.Unmarshal already does (spec §1 Non-goals).
func validate(cfg *modcfg.ModuleConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("module name is required")
	}

	sourceIDs := make(map[string]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if s.ID == "" {
			return fmt.Errorf("source with empty id")
		}
		if sourceIDs[s.ID] {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		sourceIDs[s.ID] = true
		if s.Connector == "" {
			return fmt.Errorf("source %q: connector is required", s.ID)
		}
	}

	actorIDs := make(map[string]bool, len(cfg.Actors))
	for _, a := range cfg.Actors {
		if a.ID == "" {
			return fmt.Errorf("actor with empty id")
		}
		if actorIDs[a.ID] {
			return fmt.Errorf("duplicate actor id %q", a.ID)
		}
		actorIDs[a.ID] = true
		if a.Connector == "" {
			return fmt.Errorf("actor %q: connector is required", a.ID)
		}
	}

	transformNames := make(map[string]bool, len(cfg.Transforms))
	for _, t := range cfg.Transforms {
		if t.Name == "" {
			return fmt.Errorf("transform with empty name")
		}
		if transformNames[t.Name] {
			return fmt.Errorf("duplicate transform name %q", t.Name)
		}
		transformNames[t.Name] = true
		switch t.Type {
		case modcfg.TransformTypePackage:
			if t.Package == "" {
				return fmt.Errorf("transform %q: package is required for type=package", t.Name)
			}
		case modcfg.TransformTypeScript:
			if t.Script == "" {
				return fmt.Errorf("transform %q: script is required for type=script", t.Name)
			}
		default:
			return fmt.Errorf("transform %q: unknown type %q", t.Name, t.Type)
		}
	}

	routeNames := make(map[string]bool, len(cfg.Routes))
	for _, route := range cfg.Routes {
		if route.Name == "" {
			return fmt.Errorf("route with empty name")
		}
		if routeNames[route.Name] {
			return fmt.Errorf("duplicate route name %q", route.Name)
		}
		routeNames[route.Name] = true

		if route.When.Source != "" && !sourceIDs[route.When.Source] {
			return fmt.Errorf("route %q: unknown source %q", route.Name, route.When.Source)
		}
		if len(route.When.Events) == 0 {
			return fmt.Errorf("route %q: when.events must name at least one event type", route.Name)
		}
		if route.Then.Actor == "" || !actorIDs[route.Then.Actor] {
			return fmt.Errorf("route %q: then.actor %q is not a declared actor", route.Name, route.Then.Actor)
		}
		for _, ref := range route.Transforms {
			if !transformNames[ref.Ref] {
				return fmt.Errorf("route %q: transform ref %q is not declared", route.Name, ref.Ref)
			}
		}
	}

	return nil
}
