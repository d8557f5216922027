package github

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestRunBatchQueryParsesRateLimitHeadersOnError(t *testing.T) {
	resetAt := time.Now().Add(5 * time.Minute).Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "0")
		w.Header().Set("x-ratelimit-reset", strconv.FormatInt(resetAt.Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := New()
	s.cfg = Config{Repo: "acme/widgets", GraphQLURL: srv.URL, Logger: slog.Default()}
	s.httpClient = srv.Client()

	_, err := s.runBatchQuery(context.Background(), "")
	if err == nil {
		t.Fatal("expected an error for the 403 response")
	}
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("error = %T, want *apiError", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Fatalf("StatusCode = %d, want 403", apiErr.StatusCode)
	}
	if apiErr.RateRemaining != 0 {
		t.Fatalf("RateRemaining = %d, want 0 (parsed from x-ratelimit-remaining)", apiErr.RateRemaining)
	}
	if !apiErr.RateResetAt.Equal(resetAt) {
		t.Fatalf("RateResetAt = %v, want %v", apiErr.RateResetAt, resetAt)
	}
}

func TestRunBatchQueryMissingRateLimitHeadersLeavesRemainingUnknown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New()
	s.cfg = Config{Repo: "acme/widgets", GraphQLURL: srv.URL, Logger: slog.Default()}
	s.httpClient = srv.Client()

	_, err := s.runBatchQuery(context.Background(), "")
	apiErr, ok := err.(*apiError)
	if !ok {
		t.Fatalf("error = %T, want *apiError", err)
	}
	if apiErr.RateRemaining != -1 {
		t.Fatalf("RateRemaining = %d, want -1 (no headers present)", apiErr.RateRemaining)
	}
}
