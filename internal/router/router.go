// Package router implements the dot-path / array-contains route
// matching described in spec §4.3. New logic: the teacher's own
// internal/router is an LLM model-selection router (complexity
// scoring over chat requests), not an event filter — it contributes
// only general texture (a struct carrying a logger plus lightweight
// match bookkeeping), not the matching algorithm, which has no
// precedent elsewhere in the example pack and is built directly from
// the specification.
package router

import (
	"log/slog"
	"strings"

	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/modcfg"
)

// Router evaluates an event against a module's configured routes.
type Router struct {
	logger *slog.Logger
}

// New creates a Router. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// Match returns the ordered subset of routes whose `when` clause
// matches e (spec §4.3 rules 1-3). An event with no matches should be
// logged by the caller as route.no_match.
func (r *Router) Match(e *envelope.Event, routes []modcfg.Route) []modcfg.Route {
	var out []modcfg.Route
	for _, route := range routes {
		if route.When.Source != e.Source {
			continue
		}
		if !containsType(route.When.Events, e.Type) {
			continue
		}
		if !matchesFilter(toMap(e), route.When.Filter) {
			continue
		}
		out = append(out, route)
	}
	return out
}

func containsType(types []envelope.Type, t envelope.Type) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

// toMap projects the envelope fields a filter path can address into a
// plain nested map, mirroring the wire JSON shape (spec §6) so dot
// paths like "payload.labels[].name" or "provenance.author_type"
// resolve identically whether the filter targets payload, provenance,
// or the envelope's own top-level fields.
func toMap(e *envelope.Event) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"source":     e.Source,
		"type":       string(e.Type),
		"trace_id":   e.TraceID,
		"provenance": map[string]any(e.Provenance),
		"payload":    map[string]any(e.Payload),
	}
}

// matchesFilter reports whether every entry in filter matches against
// data per spec §4.3 filter semantics.
func matchesFilter(data map[string]any, filter map[string]any) bool {
	for path, expected := range filter {
		if !matchPath(data, path, expected) {
			return false
		}
	}
	return true
}

// matchPath resolves one dot-path against data and compares it to
// expected, handling the "[]" array-contains segment per spec §4.3:
//
//   - No "[]": walk the dot-separated path, compare with ==.
//   - With "[]": split at the first "[]" into arrayPath and remainder.
//     Resolve arrayPath; it must be a []any. If remainder is empty,
//     succeed iff any element == expected. Otherwise strip the
//     leading "." from remainder and succeed iff any element, viewed
//     as a map, resolves remainder to expected.
func matchPath(data map[string]any, path string, expected any) bool {
	if idx := strings.Index(path, "[]"); idx >= 0 {
		arrayPath := path[:idx]
		remainder := strings.TrimPrefix(path[idx+len("[]"):], ".")

		arrVal, ok := resolvePath(data, arrayPath)
		if !ok {
			return false
		}
		arr, ok := arrVal.([]any)
		if !ok {
			return false
		}

		if remainder == "" {
			for _, elem := range arr {
				if equalValue(elem, expected) {
					return true
				}
			}
			return false
		}

		for _, elem := range arr {
			m, ok := elem.(map[string]any)
			if !ok {
				continue
			}
			if matchPath(m, remainder, expected) {
				return true
			}
		}
		return false
	}

	val, ok := resolvePath(data, path)
	if !ok {
		return false
	}
	return equalValue(val, expected)
}

// resolvePath walks dotted segments of path against nested
// map[string]any values rooted at data.
func resolvePath(data map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = data
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equalValue compares two JSON-shaped values for the filter's "==="
// semantics, normalizing the numeric types json.Unmarshal and Go
// literals might produce (float64 vs int) so `3` matches `3.0`.
func equalValue(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
