// Package queue is the ordered, durable buffer of detected changes
// between the diff engine and the processing pipeline. It keeps at most
// one in-flight event per source and supersedes stale queued events when
// a newer change for the same source arrives.
package queue

import (
	"context"
	"log/slog"

	"pagewatch/internal/domain"
	"pagewatch/internal/storage"
)

// Queue wraps the change_events table with queue semantics.
type Queue struct {
	store  *storage.Store
	logger *slog.Logger
}

// New wraps a store.
func New(store *storage.Store, logger *slog.Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

// Enqueue durably appends an event, then discards any older queued
// (unstarted) events for the same source: only the latest content
// matters to the end user.
func (q *Queue) Enqueue(ctx context.Context, ev *domain.ChangeEvent) error {
	if err := q.store.InsertEvent(ctx, ev); err != nil {
		return err
	}

	superseded, err := q.store.SupersedeOlderEvents(ctx, ev.SourceID, ev.Seq)
	if err != nil {
		return err
	}
	if superseded > 0 {
		q.logger.Debug("superseded stale events",
			"source_id", ev.SourceID, "seq", ev.Seq, "count", superseded)
	}
	return nil
}

// Dequeue claims the next processable event in approximate arrival order.
// Sources with an in-flight event are skipped. Returns domain.ErrNotFound
// when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*domain.ChangeEvent, error) {
	return q.store.DequeueNext(ctx)
}

// Resumable returns events claimed before a restart so processing can
// continue from their persisted stage.
func (q *Queue) Resumable(ctx context.Context) ([]*domain.ChangeEvent, error) {
	return q.store.ResumableEvents(ctx)
}

// Ack marks an event fully processed.
func (q *Queue) Ack(ctx context.Context, eventID string) error {
	return q.store.SetEventStatus(ctx, eventID, storage.EventDone)
}

// Fail marks an event terminally failed after retry exhaustion. Other
// events are unaffected.
func (q *Queue) Fail(ctx context.Context, eventID string) error {
	return q.store.SetEventStatus(ctx, eventID, storage.EventFailed)
}
