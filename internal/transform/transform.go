// Package transform runs a route's configured transform pipeline
// (spec §4.4): a sequence of steps, each either an in-process package
// plugin or an external script subprocess, executed in declared order
// with fail-open error handling — a failing step never aborts the
// pipeline unless it was an explicit drop.
//
// Exceptions-as-control-flow from the original design are replaced
// here with an explicit Outcome sum type (spec REDESIGN FLAGS), mirroring
// the plugin.Transform contract's (*envelope.Event, error) return but
// giving callers a named classification (pass/drop/error) instead of
// inferring it from nil-ness.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/modcfg"
	"github.com/orgloop/orgloop/internal/plugin"
)

// Outcome classifies the result of one pipeline step.
type Outcome int

const (
	// OutcomePass means the event (possibly replaced) continues.
	OutcomePass Outcome = iota
	// OutcomeDrop means the pipeline stops; no delivery occurs for
	// this route. Not an error.
	OutcomeDrop
	// OutcomeError means the step failed; the event passes through
	// unchanged per the fail-open policy.
	OutcomeError
)

// Result is the classified output of one step, letting callers log
// transform.pass / transform.drop / transform.error without having to
// re-derive the classification from a nil event or a non-nil error.
type Result struct {
	Outcome Outcome
	Event   *envelope.Event
	Err     error
}

// Step pairs a resolved plugin.Transform with the route-level
// override config to apply over its base config (spec §4.4
// "config-override semantics: shallow-merge").
type Step struct {
	Name   string
	Impl   plugin.Transform
	Config map[string]any
}

// Pipeline runs an ordered list of steps against one event.
type Pipeline struct {
	steps []Step
}

// New creates a Pipeline from already-resolved steps, in the order
// they must execute.
func New(steps []Step) *Pipeline {
	return &Pipeline{steps: steps}
}

// Run executes every step in order against the given route context
// (spec §4.4 "context = {source, target, eventType, routeName}"). If a
// step returns OutcomeDrop, the pipeline stops immediately and that is
// the final result. If a step errors, the event continues unchanged to
// the next step and the overall pipeline result still reports
// OutcomePass unless a later step drops — callers are expected to log
// the individual step's Result.Err themselves (transform.error) via
// onStep.
func (p *Pipeline) Run(ctx context.Context, e *envelope.Event, tc plugin.TransformContext, onStep func(step Step, r Result)) Result {
	current := e
	for _, step := range p.steps {
		r := p.runStep(ctx, step, current, tc)
		if onStep != nil {
			onStep(step, r)
		}
		switch r.Outcome {
		case OutcomeDrop:
			return r
		case OutcomeError:
			// Fail-open: keep `current` as-is, proceed to next step.
		case OutcomePass:
			current = r.Event
		}
	}
	return Result{Outcome: OutcomePass, Event: current}
}

func (p *Pipeline) runStep(ctx context.Context, step Step, e *envelope.Event, tc plugin.TransformContext) Result {
	out, err := step.Impl.Execute(ctx, e, tc, step.Config)
	if err != nil {
		return Result{Outcome: OutcomeError, Event: e, Err: fmt.Errorf("transform %s: %w", step.Name, err)}
	}
	if out == nil {
		return Result{Outcome: OutcomeDrop, Event: nil}
	}
	return Result{Outcome: OutcomePass, Event: out}
}

// ResolveRef looks up a route's transform ref against the module's
// transform definitions. A missing ref is itself a fail-open
// transform.error (spec §4.4 "If missing, emit transform.error and
// continue with the event unchanged").
func ResolveRef(ref string, defs []modcfg.TransformDef) (modcfg.TransformDef, bool) {
	for _, d := range defs {
		if d.Name == ref {
			return d, true
		}
	}
	return modcfg.TransformDef{}, false
}

// MergeConfig shallow-merges override on top of base, returning a new
// map. override entries take precedence; base is not mutated.
func MergeConfig(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// defaultTimeout is the spec's default script transform timeout
// (spec §5 "Transform script timeout default 30s").
const defaultTimeout = 30 * time.Second

// defaultGrace is the SIGTERM-to-SIGKILL grace period default
// (spec §5 "grace period (default 2s)").
const defaultGrace = 2 * time.Second
