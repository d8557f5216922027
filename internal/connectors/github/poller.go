package github

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/orgloop/orgloop/internal/checkpoint"
	"github.com/orgloop/orgloop/internal/envelope"
	"github.com/orgloop/orgloop/internal/httpkit"
)

// cacheEvictionInterval throttles PR-cache eviction so it runs at
// most once an hour, not on every poll
// (spec §4.8 step 9 "amortized, throttled").
const cacheEvictionInterval = time.Hour

// cacheTTL is how long a PR-cache entry survives without being
// refreshed (spec §4.8 step 9: "30 days").
const cacheTTL = 30 * 24 * time.Hour

// prCacheEntry records the last-seen updated_at for a PR so repeated
// reviews on an unchanged PR are skipped (spec §4.8 step 4).
type prCacheEntry struct {
	updatedAt time.Time
	seenAt    time.Time
}

// Source implements plugin.Source for the GitHub connector (spec
// §4.8). One Source instance is scoped to one repo.
type Source struct {
	cfg Config

	token      string
	httpClient *http.Client
	rest       *gogithub.Client

	mu                sync.Mutex
	prCache           map[int]prCacheEntry
	lastCacheEviction time.Time
	rateRemaining     int
	rateResetAt       time.Time
}

// New constructs a GitHub Source. Registered under the plugin name
// "github".
func New() *Source {
	return &Source{}
}

// Init parses config and builds the initial HTTP clients.
func (s *Source) Init(raw map[string]any) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return fmt.Errorf("github: %w", err)
	}
	if cfg.Repo == "" {
		return fmt.Errorf("github: config.repo is required")
	}
	s.cfg = cfg
	s.prCache = make(map[int]prCacheEntry)
	s.rateRemaining = -1

	return s.rebuildClient()
}

// rebuildClient re-resolves the token and, if it changed, rebuilds the
// REST client while keeping the shared keep-alive HTTP client and its
// transport; GraphQL requests read the token per call
// (spec §4.8 step 1).
func (s *Source) rebuildClient() error {
	token := s.cfg.resolveToken()
	if token == s.token && s.httpClient != nil {
		return nil
	}
	s.token = token

	if s.httpClient == nil {
		s.httpClient = httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	}

	rest, err := newRESTClient(s.httpClient, token, s.cfg.RESTBaseURL)
	if err != nil {
		return err
	}
	s.rest = rest
	return nil
}

// Shutdown is a no-op; Source holds no resources beyond HTTP clients,
// which need no explicit teardown.
func (s *Source) Shutdown() error { return nil }

// Poll runs one poll cycle per spec §4.8's 11 numbered steps.
func (s *Source) Poll(ctx context.Context) ([]*envelope.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Step 1: re-resolve token, rebuild client if rotated.
	if err := s.rebuildClient(); err != nil {
		return nil, fmt.Errorf("github: rebuild client: %w", err)
	}

	// Step 2: rate-limit wait.
	if s.rateRemaining == 0 && s.rateResetAt.After(time.Now()) {
		wait := time.Until(s.rateResetAt)
		s.cfg.Logger.Warn("github rate limit exhausted, sleeping until reset", "wait", wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	} else if s.rateRemaining >= 0 && s.rateRemaining <= 100 {
		s.cfg.Logger.Warn("github rate limit low, proceeding", "remaining", s.rateRemaining)
	}

	since, err := s.resolveSince()
	if err != nil {
		return nil, fmt.Errorf("github: resolve checkpoint: %w", err)
	}

	var events []*envelope.Event
	var prs []pullRequestNode
	maxTimestamp := since

	// Step 3-4: batch query + reviews.
	if s.cfg.wantsAnyPRClassEvent() {
		var rate rateLimitField
		var err error
		prs, rate, err = s.fetchBatch(ctx, since)
		if apiErr, ok := err.(*apiError); ok {
			return s.handleAPIError(apiErr, since, events)
		}
		if err != nil {
			return nil, err
		}
		s.rateRemaining = rate.Remaining
		s.rateResetAt = rate.ResetAt

		inPulls := make(map[int]pullRequestNode, len(prs))
		for _, pr := range prs {
			inPulls[pr.Number] = pr
			if pr.CreatedAt.After(since) && pr.State == "OPEN" {
				events = append(events, s.prEvent("pull_request.opened", pr))
			}
			if pr.ClosedAt != nil && pr.ClosedAt.After(since) {
				events = append(events, s.prEvent("pull_request.closed", pr))
			}
			if !pr.IsDraft && pr.UpdatedAt.After(since) && pr.State == "OPEN" {
				events = append(events, s.prEvent("pull_request.ready_for_review", pr))
			}

			for _, rv := range pr.Reviews.Nodes {
				if !rv.SubmittedAt.After(since) {
					continue
				}
				if cached, ok := s.prCache[pr.Number]; ok && cached.updatedAt.Equal(pr.UpdatedAt) {
					continue
				}
				events = append(events, s.reviewEvent(pr, rv))
			}

			if pr.UpdatedAt.After(maxTimestamp) {
				maxTimestamp = pr.UpdatedAt
			}
		}

		for _, pr := range prs {
			s.prCache[pr.Number] = prCacheEntry{updatedAt: pr.UpdatedAt, seenAt: time.Now()}
		}

		// Step 5: review comments, resolving against the in-pulls map,
		// falling back to a retried single-PR GET on a cache miss.
		comments, resp, err := s.listReviewCommentsForRepo(ctx, since)
		if err != nil {
			s.cfg.Logger.Warn("github: list review comments failed", "error", err)
		} else {
			s.checkRate(resp)
			for _, c := range comments {
				prNumber := prNumberFromURL(c.GetPullRequestURL())
				author := "unknown"
				if pr, ok := inPulls[prNumber]; ok {
					author = pr.Author.Login
				} else if fetched, err := s.getPRWithRetry(ctx, prNumber); err == nil {
					author = fetched.GetUser().GetLogin()
				} else {
					s.cfg.Logger.Warn("github: could not resolve PR author for review comment",
						"pr", prNumber, "error", err)
				}
				events = append(events, s.reviewCommentEvent(prNumber, author, c))
				if c.GetUpdatedAt().After(maxTimestamp) {
					maxTimestamp = c.GetUpdatedAt()
				}
			}
		}
	}

	// Step 6: issue comments and (budget-permitting) workflow
	// runs/check suites.
	if ic, resp, err := s.listIssueComments(ctx, since); err != nil {
		s.cfg.Logger.Warn("github: list issue comments failed", "error", err)
	} else {
		s.checkRate(resp)
		for _, c := range ic {
			events = append(events, s.issueCommentEvent(c))
			if c.GetUpdatedAt().After(maxTimestamp) {
				maxTimestamp = c.GetUpdatedAt()
			}
		}
	}

	// Step 7: skip non-essential event classes under budget pressure.
	if s.rateRemaining < 0 || s.rateRemaining > int(math.Floor(50/s.cfg.RateBudget)) {
		if runs, err := s.listWorkflowRuns(ctx, since); err != nil {
			s.cfg.Logger.Warn("github: list workflow runs failed", "error", err)
		} else {
			for _, run := range runs {
				events = append(events, s.workflowRunEvent(run))
				if run.GetUpdatedAt().After(maxTimestamp) {
					maxTimestamp = run.GetUpdatedAt().Time
				}
			}
		}

		// Check suites are keyed by ref, not repo-wide with a since
		// filter, so they're fetched per PR touched by this cycle's
		// batch query rather than listed wholesale.
		for _, pr := range prs {
			if pr.HeadRefOid == "" {
				continue
			}
			result, err := s.listCheckSuites(ctx, pr.HeadRefOid)
			if err != nil {
				s.cfg.Logger.Warn("github: list check suites failed", "pr", pr.Number, "error", err)
				continue
			}
			for _, suite := range result.CheckSuites {
				if !suite.GetUpdatedAt().After(since) {
					continue
				}
				events = append(events, s.checkSuiteEvent(pr.Number, suite))
				if suite.GetUpdatedAt().After(maxTimestamp) {
					maxTimestamp = suite.GetUpdatedAt().Time
				}
			}
		}
	} else {
		s.cfg.Logger.Debug("github: skipping non-essential event classes under rate budget pressure",
			"remaining", s.rateRemaining)
	}

	// Step 9: amortized PR-cache eviction.
	s.evictStaleCacheEntries()

	// Step 11: author filter.
	events = s.filterByAuthor(events)

	// Step 10: checkpoint advance.
	if maxTimestamp.Before(since) {
		maxTimestamp = since
	}
	if err := s.cfg.Store.Set(s.cfg.Module, s.cfg.SourceID, maxTimestamp.Format(time.RFC3339)); err != nil {
		s.cfg.Logger.Error("github: persist checkpoint failed", "error", err)
	}

	return events, nil
}

// handleAPIError applies spec §4.8 step 8's error policy. It first
// records whatever rate-limit state the failing response carried, so
// both this call's own branch choice and the next poll's step 2 wait
// check see it — not just responses that happened to return 200.
func (s *Source) handleAPIError(err *apiError, since time.Time, partial []*envelope.Event) ([]*envelope.Event, error) {
	if err.RateRemaining >= 0 {
		s.rateRemaining = err.RateRemaining
		s.rateResetAt = err.RateResetAt
	}

	switch {
	case err.StatusCode == http.StatusTooManyRequests:
		s.cfg.Logger.Warn("github: rate limited, returning partial results", "error", err)
		return partial, nil
	case err.StatusCode == http.StatusForbidden && s.rateRemaining == 0:
		s.cfg.Logger.Warn("github: forbidden with exhausted rate limit, returning partial results", "error", err)
		return partial, nil
	case err.StatusCode == http.StatusUnauthorized || err.StatusCode == http.StatusForbidden:
		s.cfg.Logger.Warn("github: auth error, attempting token refresh", "error", err)
		_ = s.rebuildClient()
		return nil, nil
	default:
		return nil, err
	}
}

// resolveSince implements the checkpoint interpretation from spec
// §4.8: a checkpoint at or before the epoch marker means "no
// checkpoint" and since = now - initial_lookback.
func (s *Source) resolveSince() (time.Time, error) {
	cursor, err := s.cfg.Store.Get(s.cfg.Module, s.cfg.SourceID)
	if err != nil {
		return time.Time{}, err
	}
	if checkpoint.IsEpoch(cursor) {
		return time.Now().Add(-s.cfg.InitialLookback), nil
	}
	return time.Parse(time.RFC3339, cursor)
}

// evictStaleCacheEntries drops PR-cache entries older than cacheTTL,
// throttled to run at most once per cacheEvictionInterval.
func (s *Source) evictStaleCacheEntries() {
	now := time.Now()
	if now.Sub(s.lastCacheEviction) < cacheEvictionInterval {
		return
	}
	s.lastCacheEviction = now

	for number, entry := range s.prCache {
		if now.Sub(entry.seenAt) > cacheTTL {
			delete(s.prCache, number)
		}
	}
}

// filterByAuthor drops events whose provenance.author is not in the
// configured allowlist (spec §4.8 step 11).
func (s *Source) filterByAuthor(events []*envelope.Event) []*envelope.Event {
	if len(s.cfg.Authors) == 0 {
		return events
	}
	allowed := make(map[string]struct{}, len(s.cfg.Authors))
	for _, a := range s.cfg.Authors {
		allowed[a] = struct{}{}
	}

	out := events[:0]
	for _, e := range events {
		author, _ := e.Provenance["author"].(string)
		if _, ok := allowed[author]; ok {
			out = append(out, e)
		}
	}
	return out
}

func prNumberFromURL(url string) int {
	for i := len(url) - 1; i >= 0; i-- {
		if url[i] == '/' {
			n, err := strconv.Atoi(url[i+1:])
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}
