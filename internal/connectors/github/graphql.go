package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// batchQuery is the single GraphQL request issued per poll when any
// PR-class event is requested (spec §4.8 step 3). It is ordered by
// UPDATED_AT desc and paginated by the caller with early termination.
const batchQuery = `
query($owner: String!, $name: String!, $cursor: String, $pageSize: Int!) {
  repository(owner: $owner, name: $name) {
    pullRequests(first: $pageSize, after: $cursor, orderBy: {field: UPDATED_AT, direction: DESC}) {
      pageInfo { hasNextPage endCursor }
      nodes {
        number
        state
        isDraft
        createdAt
        updatedAt
        closedAt
        headRefOid
        author { login }
        reviews(first: 20, orderBy: {field: SUBMITTED_AT, direction: DESC}) {
          nodes {
            id
            state
            submittedAt
            author { login }
          }
        }
      }
    }
  }
  rateLimit { remaining resetAt limit }
}
`

type graphQLRequest struct {
	Query     string `json:"query"`
	Variables any    `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

type prAuthor struct {
	Login string `json:"login"`
}

type reviewNode struct {
	ID          string    `json:"id"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submittedAt"`
	Author      prAuthor  `json:"author"`
}

type pullRequestNode struct {
	Number     int          `json:"number"`
	State      string       `json:"state"`
	IsDraft    bool         `json:"isDraft"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
	ClosedAt   *time.Time   `json:"closedAt"`
	HeadRefOid string       `json:"headRefOid"`
	Author     prAuthor     `json:"author"`
	Reviews    reviewsField `json:"reviews"`
}

type reviewsField struct {
	Nodes []reviewNode `json:"nodes"`
}

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

type pullRequestsField struct {
	PageInfo pageInfo          `json:"pageInfo"`
	Nodes    []pullRequestNode `json:"nodes"`
}

type repositoryField struct {
	PullRequests pullRequestsField `json:"pullRequests"`
}

type rateLimitField struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"resetAt"`
}

type batchData struct {
	Repository repositoryField `json:"repository"`
	RateLimit  rateLimitField  `json:"rateLimit"`
}

// batchPage is one page of the batch query along with the rate-limit
// snapshot returned alongside it.
type batchPage struct {
	PRs       []pullRequestNode
	PageInfo  pageInfo
	RateLimit rateLimitField
}

// runBatchQuery issues one GraphQL request for the given page cursor.
func (s *Source) runBatchQuery(ctx context.Context, cursor string) (*batchPage, error) {
	owner, name, err := splitRepo(s.cfg.Repo)
	if err != nil {
		return nil, err
	}

	variables := map[string]any{
		"owner":    owner,
		"name":     name,
		"pageSize": 50,
	}
	if cursor != "" {
		variables["cursor"] = cursor
	}

	body, err := json.Marshal(graphQLRequest{Query: batchQuery, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("github: marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("github: build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: graphql request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, rateLimitedAPIError(resp)
	}

	var gqlResp graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gqlResp); err != nil {
		return nil, fmt.Errorf("github: decode graphql response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("github: graphql errors: %s", gqlResp.Errors[0].Message)
	}

	var data batchData
	if err := json.Unmarshal(gqlResp.Data, &data); err != nil {
		return nil, fmt.Errorf("github: unmarshal graphql data: %w", err)
	}

	return &batchPage{
		PRs:       data.Repository.PullRequests.Nodes,
		PageInfo:  data.Repository.PullRequests.PageInfo,
		RateLimit: data.RateLimit,
	}, nil
}

// fetchBatch pages through runBatchQuery, stopping when every node on
// a page has updated_at < since, or there is no next page, per spec
// §4.8 step 3.
func (s *Source) fetchBatch(ctx context.Context, since time.Time) ([]pullRequestNode, rateLimitField, error) {
	var all []pullRequestNode
	var rate rateLimitField
	cursor := ""

	for {
		page, err := s.runBatchQuery(ctx, cursor)
		if err != nil {
			return all, rate, err
		}
		rate = page.RateLimit

		allStale := true
		for _, pr := range page.PRs {
			if !pr.UpdatedAt.Before(since) {
				allStale = false
			}
			all = append(all, pr)
		}

		if allStale || !page.PageInfo.HasNextPage {
			break
		}
		cursor = page.PageInfo.EndCursor
	}

	return all, rate, nil
}

// apiError carries enough of an HTTP error response for the poll loop
// to apply spec §4.8 step 8's error policy. RateRemaining/RateResetAt
// come from the response's x-ratelimit-* headers, the GraphQL
// endpoint's only rate-limit signal on an error response (a failed
// request never reaches the rateLimit field in the query body).
type apiError struct {
	StatusCode    int
	RateRemaining int
	RateResetAt   time.Time
}

func (e *apiError) Error() string {
	return fmt.Sprintf("github: api error, status %d", e.StatusCode)
}

// rateLimitedAPIError builds an apiError from a non-200 GraphQL
// response, parsing x-ratelimit-remaining/x-ratelimit-reset so
// handleAPIError can record the exhausted state even though a failed
// request carries no rateLimit field in its (absent) body.
func rateLimitedAPIError(resp *http.Response) *apiError {
	err := &apiError{StatusCode: resp.StatusCode, RateRemaining: -1}
	if v := resp.Header.Get("x-ratelimit-remaining"); v != "" {
		if n, parseErr := strconv.Atoi(v); parseErr == nil {
			err.RateRemaining = n
		}
	}
	if v := resp.Header.Get("x-ratelimit-reset"); v != "" {
		if secs, parseErr := strconv.ParseInt(v, 10, 64); parseErr == nil {
			err.RateResetAt = time.Unix(secs, 0)
		}
	}
	return err
}
