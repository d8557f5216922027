// Package envelope defines the canonical event shape that flows through
// OrgLoop: sources emit envelopes, the router matches them against
// routes, the transform pipeline may replace or drop them, and actors
// receive the final form. Envelopes are immutable after construction —
// callers that need a modified copy must use Clone.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the envelope's event type (spec §3).
type Type string

const (
	TypeResourceChanged Type = "resource.changed"
	TypeActorStopped    Type = "actor.stopped"
	TypeMessageReceived Type = "message.received"
)

// AuthorType classifies the author of the originating platform event.
type AuthorType string

const (
	AuthorTeamMember AuthorType = "team_member"
	AuthorExternal   AuthorType = "external"
	AuthorBot        AuthorType = "bot"
	AuthorSystem     AuthorType = "system"
	AuthorUnknown    AuthorType = "unknown"
)

// Phase enumerates the non-terminal/terminal lifecycle phase of a
// coding-harness session (spec §3 Lifecycle sub-contract).
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseStopped   Phase = "stopped"
)

// Terminal reports whether p is one of the terminal phases.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseStopped:
		return true
	default:
		return false
	}
}

// Outcome enumerates the terminal outcome of a harness session.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeUnknown   Outcome = "unknown"
)

// Harness enumerates known coding-assistant harness families.
type Harness string

const (
	HarnessClaudeCode Harness = "claude-code"
	HarnessCodex      Harness = "codex"
	HarnessOpenCode   Harness = "opencode"
	HarnessPi         Harness = "pi"
	HarnessPiRust     Harness = "pi-rust"
	HarnessOther      Harness = "other"
)

// Lifecycle is the nested payload sub-object harness connectors attach
// to describe a coding-assistant session's progress. The invariant
// `type == actor.stopped ⇔ lifecycle.terminal == true` is enforced by
// Validate, not by the type system: source material (disk-backed JSONL
// transcripts) is untyped JSON, so the check happens at the boundary.
type Lifecycle struct {
	Phase      Phase   `json:"phase"`
	Terminal   bool    `json:"terminal"`
	Outcome    Outcome `json:"outcome,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	DedupeKey  string  `json:"dedupe_key"`
}

// Session describes the coding-assistant session a Lifecycle belongs to.
type Session struct {
	ID        string    `json:"id"`
	Adapter   string    `json:"adapter,omitempty"`
	Harness   Harness   `json:"harness"`
	Cwd       string    `json:"cwd,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	ExitStatus *int     `json:"exit_status,omitempty"`
}

// Provenance carries platform-identifying metadata. Platform is the
// only required key; everything else is connector-specific and lives
// alongside it in the same map so wire-format round-trips are lossless.
type Provenance map[string]any

// Platform returns the required platform key, or "" if absent.
func (p Provenance) Platform() string {
	v, _ := p["platform"].(string)
	return v
}

// AuthorType returns the author_type key as an AuthorType, defaulting
// to AuthorUnknown when absent or not one of the known values.
func (p Provenance) AuthorType() AuthorType {
	v, _ := p["author_type"].(string)
	switch AuthorType(v) {
	case AuthorTeamMember, AuthorExternal, AuthorBot, AuthorSystem:
		return AuthorType(v)
	default:
		return AuthorUnknown
	}
}

// Payload is the opaque, source-specific body of an event. Harness
// connectors nest "lifecycle" and "session" sub-objects here.
type Payload map[string]any

// Event is the canonical envelope. Treat as immutable after New;
// transforms must call Clone before mutating.
type Event struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"`
	Type       Type       `json:"type"`
	Provenance Provenance `json:"provenance"`
	Payload    Payload    `json:"payload"`
	TraceID    string     `json:"trace_id"`
}

var (
	ErrMissingPlatform     = errors.New("envelope: provenance.platform is required")
	ErrMissingSource       = errors.New("envelope: source is required")
	ErrUnknownType         = errors.New("envelope: unknown type")
	ErrTerminalMismatch    = errors.New("envelope: type/lifecycle.terminal mismatch")
	ErrMissingOutcome      = errors.New("envelope: terminal lifecycle requires outcome")
)

// New constructs an event with freshly generated id/trace_id. The
// caller supplies the trace_id only when propagating an existing trace
// (e.g. republishing a responseEvent); pass "" to mint one.
func New(source string, typ Type, provenance Provenance, payload Payload, traceID string) (*Event, error) {
	if provenance == nil {
		provenance = Provenance{}
	}
	if payload == nil {
		payload = Payload{}
	}
	if traceID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate trace id: %w", err)
		}
		traceID = "trc_" + id.String()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	e := &Event{
		ID:         "evt_" + id.String(),
		Timestamp:  time.Now().UTC(),
		Source:     source,
		Type:       typ,
		Provenance: provenance,
		Payload:    payload,
		TraceID:    traceID,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate enforces the envelope invariants from spec §3/§8: a platform
// key is present, the type is one of the known three, and if the
// payload carries a lifecycle sub-object the terminal/type correlation
// holds.
func (e *Event) Validate() error {
	if e.Source == "" {
		return ErrMissingSource
	}
	switch e.Type {
	case TypeResourceChanged, TypeActorStopped, TypeMessageReceived:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Provenance.Platform() == "" {
		return ErrMissingPlatform
	}
	lc, ok := e.Lifecycle()
	if !ok {
		return nil
	}
	wantTerminal := e.Type == TypeActorStopped
	if lc.Terminal != wantTerminal {
		return fmt.Errorf("%w: type=%s lifecycle.terminal=%v", ErrTerminalMismatch, e.Type, lc.Terminal)
	}
	if lc.Terminal && lc.Outcome == "" {
		return ErrMissingOutcome
	}
	return nil
}

// Lifecycle extracts payload.lifecycle as a typed Lifecycle, if present.
func (e *Event) Lifecycle() (Lifecycle, bool) {
	raw, ok := e.Payload["lifecycle"]
	if !ok {
		return Lifecycle{}, false
	}
	switch v := raw.(type) {
	case Lifecycle:
		return v, true
	case map[string]any:
		lc := Lifecycle{
			DedupeKey: stringField(v, "dedupe_key"),
			Reason:    stringField(v, "reason"),
			Phase:     Phase(stringField(v, "phase")),
			Outcome:   Outcome(stringField(v, "outcome")),
		}
		if b, ok := v["terminal"].(bool); ok {
			lc.Terminal = b
		}
		return lc, true
	default:
		return Lifecycle{}, false
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Clone returns a deep-enough copy for transform steps to mutate
// safely: the top-level maps are copied one level deep, which is
// sufficient since transforms replace payload/provenance wholesale
// rather than patching nested structures in place.
func (e *Event) Clone() *Event {
	c := *e
	c.Provenance = cloneMap(e.Provenance)
	c.Payload = cloneMap(e.Payload)
	return &c
}

func cloneMap[M ~map[string]any](m M) M {
	out := make(M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
