package queue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"pagewatch/internal/domain"
	"pagewatch/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, *storage.Store) {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, slog.New(slog.DiscardHandler)), s
}

func seedSource(t *testing.T, s *storage.Store, id string) {
	t.Helper()
	src := domain.Source{ID: id, URL: "https://example.com/" + id, Interval: time.Hour, Active: true}
	if err := s.UpsertSource(context.Background(), &src); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
}

func event(id, sourceID string, seq int64, at time.Time) *domain.ChangeEvent {
	return &domain.ChangeEvent{
		ID: id, SourceID: sourceID, Seq: seq,
		NewFingerprint: "fp-" + id, Payload: []byte("payload"), DetectedAt: at,
	}
}

func TestEnqueueSupersedesOlderQueued(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()
	seedSource(t, s, "src")

	now := time.Now()
	if err := q.Enqueue(ctx, event("ev-1", "src", 1, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, event("ev-2", "src", 2, now.Add(time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Only the newest queued event is handed out.
	ev, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ev.ID != "ev-2" {
		t.Fatalf("expected newest event, got %s", ev.ID)
	}

	if _, err := q.Dequeue(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("superseded event was dequeued: %v", err)
	}
}

func TestSupersedeLeavesInFlightAlone(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()
	seedSource(t, s, "src")

	now := time.Now()
	if err := q.Enqueue(ctx, event("ev-1", "src", 1, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if claimed.ID != "ev-1" {
		t.Fatalf("unexpected claim: %s", claimed.ID)
	}

	// A newer event must not cancel an event already being processed.
	if err := q.Enqueue(ctx, event("ev-2", "src", 2, now.Add(time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	resumable, err := q.Resumable(ctx)
	if err != nil {
		t.Fatalf("resumable: %v", err)
	}
	if len(resumable) != 1 || resumable[0].ID != "ev-1" {
		t.Fatalf("in-flight event lost: %+v", resumable)
	}
}

func TestSingleInFlightPerSource(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()
	seedSource(t, s, "a")
	seedSource(t, s, "b")

	now := time.Now()
	if err := q.Enqueue(ctx, event("a-1", "a", 1, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, event("b-1", "b", 1, now.Add(time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if first.SourceID != "a" {
		t.Fatalf("expected oldest event first, got source %s", first.SourceID)
	}

	// Enqueue another change for source a while a-1 is in flight. Ordering
	// within a source holds: b is served, a-2 waits.
	if err := q.Enqueue(ctx, event("a-2", "a", 2, now.Add(2*time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	second, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if second.SourceID != "b" {
		t.Fatalf("expected source b while a is in flight, got %s", second.SourceID)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("a-2 dequeued while a-1 in flight: %v", err)
	}

	// Completing a-1 releases the source.
	if err := q.Ack(ctx, "a-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	third, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue after ack: %v", err)
	}
	if third.ID != "a-2" {
		t.Fatalf("expected a-2 after ack, got %s", third.ID)
	}
}

func TestFailIsTerminalForThatEventOnly(t *testing.T) {
	t.Parallel()
	q, s := newTestQueue(t)
	ctx := context.Background()
	seedSource(t, s, "src")

	now := time.Now()
	if err := q.Enqueue(ctx, event("ev-1", "src", 1, now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Fail(ctx, "ev-1"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// The source keeps flowing after a terminal failure.
	if err := q.Enqueue(ctx, event("ev-2", "src", 2, now.Add(time.Second))); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ev, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if ev.ID != "ev-2" {
		t.Fatalf("expected ev-2, got %s", ev.ID)
	}
}
