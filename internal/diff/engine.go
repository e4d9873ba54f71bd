// Package diff decides whether a fetched snapshot candidate differs
// meaningfully from the last accepted snapshot of a source, and commits
// detected changes to the event queue.
package diff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
	"pagewatch/internal/queue"
	"pagewatch/internal/storage"
)

// Engine owns the snapshot table and the queue/snapshot commit ordering.
type Engine struct {
	store  *storage.Store
	queue  *queue.Queue
	norm   *Normalizer
	logger *slog.Logger
}

// Outcome reports an evaluation result.
type Outcome struct {
	Changed bool
	Event   *domain.ChangeEvent
}

// NewEngine wires the diff engine.
func NewEngine(store *storage.Store, q *queue.Queue, norm *Normalizer, logger *slog.Logger) *Engine {
	return &Engine{store: store, queue: q, norm: norm, logger: logger}
}

// Evaluate normalizes the candidate, compares fingerprints, and on a real
// change commits in the required order: (a) create the immutable event,
// (b) append it durably to the queue, (c) only then overwrite the stored
// snapshot. A crash between (b) and (c) re-emits a duplicate event on the
// next cycle, which downstream tolerates; updating the snapshot first
// could silently lose a change, which is never acceptable.
func (e *Engine) Evaluate(ctx context.Context, source domain.Source, candidate *ports.FetchResult) (*Outcome, error) {
	if candidate.NotModified {
		return &Outcome{Changed: false}, nil
	}

	normalized := e.norm.Normalize(candidate.Body)
	fingerprint := Fingerprint(normalized)

	oldFingerprint := ""
	snap, err := e.store.GetSnapshot(ctx, source.ID)
	switch {
	case err == nil:
		oldFingerprint = snap.Fingerprint
	case errors.Is(err, domain.ErrNotFound):
		// First observation of this source.
	default:
		return nil, fmt.Errorf("load snapshot for %s: %w", source.ID, err)
	}

	if fingerprint == oldFingerprint {
		return &Outcome{Changed: false}, nil
	}

	seq, err := e.store.NextSeq(ctx, source.ID)
	if err != nil {
		return nil, fmt.Errorf("next seq for %s: %w", source.ID, err)
	}

	event := &domain.ChangeEvent{
		ID:             uuid.NewString(),
		SourceID:       source.ID,
		Seq:            seq,
		OldFingerprint: oldFingerprint,
		NewFingerprint: fingerprint,
		Payload:        candidate.Body,
		ImageURLs:      candidate.ImageURLs,
		DetectedAt:     time.Now(),
	}

	if err := e.queue.Enqueue(ctx, event); err != nil {
		return nil, fmt.Errorf("enqueue change for %s: %w", source.ID, err)
	}

	if err := e.store.CommitSnapshot(ctx, source.ID, fingerprint, seq); err != nil {
		// The event is already durable; the next cycle re-detects against
		// the stale snapshot and emits a duplicate, never a loss.
		e.logger.Warn("snapshot commit failed after enqueue",
			"source_id", source.ID, "seq", seq, "error", err)
		return nil, fmt.Errorf("commit snapshot for %s: %w", source.ID, err)
	}

	e.logger.Info("change detected",
		"source_id", source.ID, "seq", seq,
		"old_fingerprint", short(oldFingerprint), "new_fingerprint", short(fingerprint))

	return &Outcome{Changed: true, Event: event}, nil
}

func short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
