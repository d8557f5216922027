// Package github implements the batched GitHub poller worked example
// (spec §4.8), the one connector whose algorithm — GraphQL batching,
// a per-PR cache, rate-budget throttling, retryable single-PR
// refetch, and token rotation detection — is part of the core
// contract rather than left to a generic connector interface.
//
// REST fallbacks are grounded 1:1 on internal/forge/github.go
// (client.PullRequests.Get/List/ListReviews, client.Checks.*, the
// owner/name split helper, and the checkRate rate-limit warning).
// GraphQL batching has no precedent anywhere in the example pack —
// go-github/v69 exposes no GraphQL client, and no GraphQL library
// appears in any example's go.mod — so the batch query is issued as a
// direct net/http POST of a JSON body to /graphql using the shared
// httpkit-built client, the one deliberately stdlib-only slice in
// this repository.
package github

import (
	"log/slog"
	"os"
	"time"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/envelope"
)

// Config configures one GitHub source instance (spec §4.8 inputs).
type Config struct {
	Repo            string
	Events          []envelope.Type
	Authors         []string
	TokenEnv        string
	InitialLookback time.Duration
	RateBudget      float64
	GraphQLURL      string
	RESTBaseURL     string

	// Module and SourceID namespace this source's checkpoint entries;
	// Store is the module's owned checkpoint store (spec §4.7
	// "create an owned checkpoint store"), injected in-process by the
	// resolver rather than carried as a JSON primitive.
	Module   string
	SourceID string
	Store    *checkpoint.Store

	Logger *slog.Logger
}

const (
	defaultInitialLookback = 7 * 24 * time.Hour
	defaultRateBudget      = 0.8
	defaultGraphQLURL      = "https://api.github.com/graphql"
)

// parseConfig builds a Config from the generic plugin config map
// (spec §4.7's "pre-instantiated plugins passed in by the resolver" —
// here config carries both plain YAML-sourced primitives and the
// live *checkpoint.Store the resolver injects).
func parseConfig(raw map[string]any) (Config, error) {
	cfg := Config{
		InitialLookback: defaultInitialLookback,
		RateBudget:      defaultRateBudget,
		GraphQLURL:      defaultGraphQLURL,
	}

	if v, ok := raw["repo"].(string); ok {
		cfg.Repo = v
	}
	if v, ok := raw["token_env"].(string); ok {
		cfg.TokenEnv = v
	}
	if v, ok := raw["rest_base_url"].(string); ok && v != "" {
		cfg.RESTBaseURL = v
	}
	if v, ok := raw["graphql_url"].(string); ok && v != "" {
		cfg.GraphQLURL = v
	}
	if v, ok := raw["initial_lookback"].(string); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, err
		}
		cfg.InitialLookback = d
	}
	if v, ok := raw["rate_budget"].(float64); ok && v > 0 {
		cfg.RateBudget = v
	}
	if v, ok := raw["events"].([]string); ok {
		for _, t := range v {
			cfg.Events = append(cfg.Events, envelope.Type(t))
		}
	}
	if v, ok := raw["authors"].([]string); ok {
		cfg.Authors = v
	}
	if v, ok := raw["module"].(string); ok {
		cfg.Module = v
	}
	if v, ok := raw["source_id"].(string); ok {
		cfg.SourceID = v
	}
	if v, ok := raw["checkpoint_store"].(*checkpoint.Store); ok {
		cfg.Store = v
	}
	if v, ok := raw["logger"].(*slog.Logger); ok {
		cfg.Logger = v
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return cfg, nil
}

// resolveToken reads the token from the environment variable named by
// TokenEnv.
func (c Config) resolveToken() string {
	if c.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.TokenEnv)
}

// wantsAnyPRClassEvent reports whether the configured event set
// requires the GraphQL batch query at all (spec §4.8 step 3: "If any
// PR-class event is requested").
func (c Config) wantsAnyPRClassEvent() bool {
	for _, t := range c.Events {
		switch t {
		case envelope.TypeResourceChanged:
			return true
		}
	}
	// resource.changed is the only envelope type PR/review/issue
	// activity maps to (spec §3); absent that, nothing here needs the
	// batch query.
	return len(c.Events) == 0
}
