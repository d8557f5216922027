// Package modcfg defines the typed configuration shapes a Module is
// built from (spec §3 "Module configuration"). Turning a YAML file on
// disk into these structs is explicitly out of scope for the CORE
// (spec §1 Non-goals: "YAML parsing and JSON-Schema validation") — the
// runtime's LoadModule takes a module config file path and hands it to
// internal/resolver, the minimal in-core resolver that produces both
// this typed config and the already-constructed plugin instances
// (resolver.Resolved) from a YAML file, for testability.
package modcfg

import "github.com/orgloop/orgloop/internal/envelope"

// SourcePoll configures the scheduler interval for a poll-based source.
// Webhook-only sources omit this (a nil *SourcePoll).
type SourcePoll struct {
	Interval string `yaml:"interval" json:"interval"`
}

// SourceDef declares one connector instance that produces events.
type SourceDef struct {
	ID        string         `yaml:"id" json:"id"`
	Connector string         `yaml:"connector" json:"connector"`
	Config    map[string]any `yaml:"config" json:"config"`
	Poll      *SourcePoll    `yaml:"poll,omitempty" json:"poll,omitempty"`
}

// ActorDef declares one connector instance that consumes events via
// deliver. Shape mirrors SourceDef minus the poll schedule.
type ActorDef struct {
	ID        string         `yaml:"id" json:"id"`
	Connector string         `yaml:"connector" json:"connector"`
	Config    map[string]any `yaml:"config" json:"config"`
}

// LoggerDef declares one logger plugin instance.
type LoggerDef struct {
	ID        string         `yaml:"id" json:"id"`
	Connector string         `yaml:"connector" json:"connector"`
	Config    map[string]any `yaml:"config" json:"config"`
}

// TransformDef declares one transform pipeline step implementation,
// referenced by name from a Route's Transforms list.
type TransformDef struct {
	Name      string         `yaml:"name" json:"name"`
	Type      string         `yaml:"type" json:"type"` // "package" | "script"
	Package   string         `yaml:"package,omitempty" json:"package,omitempty"`
	Script    string         `yaml:"script,omitempty" json:"script,omitempty"`
	Config    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	TimeoutMS int            `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

const (
	TransformTypePackage = "package"
	TransformTypeScript  = "script"
)

// RouteWhen is the matching clause of a route.
type RouteWhen struct {
	Source string          `yaml:"source" json:"source"`
	Events []envelope.Type `yaml:"events" json:"events"`
	Filter map[string]any  `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// TransformRef is one step of a route's transform pipeline: a reference
// to a TransformDef by name plus an optional per-route config override
// that shallow-merges over the transform's base config.
type TransformRef struct {
	Ref    string         `yaml:"ref" json:"ref"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// RouteThen names the actor a matched, transformed event is delivered to.
type RouteThen struct {
	Actor  string         `yaml:"actor" json:"actor"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// RouteWith carries the optional launch-prompt attachment.
type RouteWith struct {
	PromptFile string `yaml:"prompt_file,omitempty" json:"prompt_file,omitempty"`
}

// Route is a declarative (source, event-type[, filter]) -> actor
// mapping with an optional transform pipeline and launch prompt.
type Route struct {
	Name       string         `yaml:"name" json:"name"`
	When       RouteWhen      `yaml:"when" json:"when"`
	Transforms []TransformRef `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Then       RouteThen      `yaml:"then" json:"then"`
	With       RouteWith      `yaml:"with,omitempty" json:"with,omitempty"`
}

// Defaults holds module-wide fallback settings.
type Defaults struct {
	PollInterval string `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
}

// ModuleConfig is one loaded configuration: sources, actors, routes,
// transforms, and loggers, plus the on-disk location it was loaded
// from (used by the module registry file).
type ModuleConfig struct {
	Name       string         `yaml:"name" json:"name"`
	Sources    []SourceDef    `yaml:"sources" json:"sources"`
	Actors     []ActorDef     `yaml:"actors" json:"actors"`
	Routes     []Route        `yaml:"routes" json:"routes"`
	Transforms []TransformDef `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Loggers    []LoggerDef    `yaml:"loggers,omitempty" json:"loggers,omitempty"`
	Defaults   Defaults       `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	ModulePath string         `yaml:"-" json:"modulePath"`
}
