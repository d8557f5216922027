package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"
)

// splitRepo splits "owner/repo" into its components. Grounded 1:1 on
// internal/forge/github.go's helper of the same name.
func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("github: invalid repo format %q, expected owner/repo", repo)
	}
	return parts[0], parts[1], nil
}

// newRESTClient builds a go-github client around httpClient, pointed
// at an Enterprise base URL when configured. Grounded on
// internal/forge/github.go's NewGitHub.
func newRESTClient(httpClient *http.Client, token, baseURL string) (*github.Client, error) {
	client := github.NewClient(httpClient).WithAuthToken(token)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("github: configure enterprise url: %w", err)
		}
	}
	return client, nil
}

// checkRate logs a warning when the API rate limit is getting low.
// Grounded on internal/forge/github.go's checkRate.
func (s *Source) checkRate(resp *github.Response) {
	if resp == nil {
		return
	}
	remaining := resp.Rate.Remaining
	if remaining > 0 && remaining < rateLimitWarningThreshold {
		s.cfg.Logger.Warn("github rate limit low",
			"remaining", remaining, "limit", resp.Rate.Limit,
			"reset", resp.Rate.Reset.Format(time.RFC3339))
	}
}

const rateLimitWarningThreshold = 100

// getPRWithRetry fetches a single PR, retrying per spec §4.8 step 5:
// two attempts total, 2s delay after HTTP 429, 1s delay after 502/503.
func (s *Source) getPRWithRetry(ctx context.Context, number int) (*github.PullRequest, error) {
	owner, name, err := splitRepo(s.cfg.Repo)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		pr, resp, err := s.rest.PullRequests.Get(ctx, owner, name, number)
		if err == nil {
			s.checkRate(resp)
			return pr, nil
		}
		lastErr = err

		delay := retryDelay(resp)
		if delay == 0 {
			return nil, fmt.Errorf("github: get PR #%d: %w", number, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("github: get PR #%d after retries: %w", number, lastErr)
}

// retryDelay maps an HTTP response's status to the retry delay from
// spec §4.8 step 5, or 0 if the status is not retryable.
func retryDelay(resp *github.Response) time.Duration {
	if resp == nil {
		return 0
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return 2 * time.Second
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return 1 * time.Second
	default:
		return 0
	}
}

// listReviewCommentsForRepo fetches all review comments updated since
// `since` in one repo-level call (spec §4.8 step 5).
func (s *Source) listReviewCommentsForRepo(ctx context.Context, since time.Time) ([]*github.PullRequestComment, *github.Response, error) {
	owner, name, err := splitRepo(s.cfg.Repo)
	if err != nil {
		return nil, nil, err
	}
	return s.rest.PullRequests.ListReviewCommentsForRepo(ctx, owner, name, &github.PullRequestListCommentsOptions{
		Since:       since,
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	})
}

// listIssueComments fetches all issue comments updated since `since`
// in one repo-level call (spec §4.8 step 6).
func (s *Source) listIssueComments(ctx context.Context, since time.Time) ([]*github.IssueComment, *github.Response, error) {
	owner, name, err := splitRepo(s.cfg.Repo)
	if err != nil {
		return nil, nil, err
	}
	return s.rest.Issues.ListRepositoryComments(ctx, owner, name, &github.IssueListCommentsOptions{
		Since:       &since,
		Sort:        github.Ptr("updated"),
		Direction:   github.Ptr("asc"),
		ListOptions: github.ListOptions{PerPage: 100},
	})
}

// listWorkflowRuns pages through workflow runs, terminating early when
// an entire page is older than `since` (spec §4.8 step 6).
func (s *Source) listWorkflowRuns(ctx context.Context, since time.Time) ([]*github.WorkflowRun, error) {
	owner, name, err := splitRepo(s.cfg.Repo)
	if err != nil {
		return nil, err
	}

	var all []*github.WorkflowRun
	opts := &github.ListWorkflowRunsOptions{ListOptions: github.ListOptions{PerPage: 50, Page: 1}}

	for {
		result, resp, err := s.rest.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, opts)
		if err != nil {
			return all, fmt.Errorf("github: list workflow runs: %w", err)
		}
		s.checkRate(resp)

		pageHasFresh := false
		for _, run := range result.WorkflowRuns {
			if run.UpdatedAt != nil && run.GetUpdatedAt().Time.After(since) {
				pageHasFresh = true
				all = append(all, run)
			}
		}

		if !pageHasFresh || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return all, nil
}

// listCheckSuites fetches check suites for the given ref (spec §4.8
// step 6's check-suite event class; ref/commit-scoped rather than
// repo-wide, so Poll calls this once per PR touched this cycle).
func (s *Source) listCheckSuites(ctx context.Context, ref string) (*github.ListCheckSuiteResults, error) {
	owner, name, err := splitRepo(s.cfg.Repo)
	if err != nil {
		return nil, err
	}
	result, resp, err := s.rest.Checks.ListCheckSuitesForRef(ctx, owner, name, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("github: list check suites for %s: %w", ref, err)
	}
	s.checkRate(resp)
	return result, nil
}
