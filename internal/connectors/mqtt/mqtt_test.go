package mqtt

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	r := newRateLimiter(3, time.Minute, slog.Default())
	for i := 0; i < 3; i++ {
		if !r.allow() {
			t.Fatalf("allow() = false on message %d, want true within limit", i)
		}
	}
	if r.allow() {
		t.Fatal("allow() = true beyond limit, want false")
	}
}

func TestRateLimiterResetsOnInterval(t *testing.T) {
	r := newRateLimiter(1, 20*time.Millisecond, slog.Default())
	if !r.allow() {
		t.Fatal("expected first message to be allowed")
	}
	if r.allow() {
		t.Fatal("expected second message to be dropped within the interval")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.startPeriodicReset(ctx)
	time.Sleep(60 * time.Millisecond)

	if !r.allow() {
		t.Fatal("expected allow() to succeed again after interval reset")
	}
}

func TestPollDrainsQueueWithoutBlocking(t *testing.T) {
	s := &Source{
		sourceID: "m1",
		logger:   slog.Default(),
		queue:    make(chan queuedMessage, 10),
	}
	s.enqueue("sensors/temp", []byte(`{"value":21}`))
	s.enqueue("sensors/humidity", []byte(`{"value":55}`))

	events, err := s.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Poll() = %d events, want 2", len(events))
	}

	events, err = s.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("second Poll() = %d events, want 0 (queue drained)", len(events))
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	s := &Source{
		sourceID: "m1",
		logger:   slog.Default(),
		queue:    make(chan queuedMessage, 1),
	}
	s.enqueue("a", []byte("1"))
	s.enqueue("b", []byte("2"))

	events, err := s.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("Poll() = %d events, want 1 (second enqueue dropped)", len(events))
	}
}
