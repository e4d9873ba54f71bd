// Package pipeline advances change events through their processing
// stages: extraction, summarization, dispatch, and optional calendar
// sync. Stage progress is persisted before each transition so a restart
// resumes where processing stopped instead of re-running finished work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pagewatch/internal/config"
	"pagewatch/internal/domain"
	"pagewatch/internal/extract"
	"pagewatch/internal/notify"
	"pagewatch/internal/ports"
	"pagewatch/internal/queue"
	"pagewatch/internal/storage"
)

// Orchestrator is a supervised service consuming the change event queue.
type Orchestrator struct {
	cfg        config.PipelineConfig
	store      *storage.Store
	queue      *queue.Queue
	registry   ports.Registry
	extractor  *extract.Extractor
	summarizer ports.Summarizer
	dispatcher *notify.Dispatcher
	logger     *slog.Logger
}

// New wires the orchestrator.
func New(cfg config.PipelineConfig, store *storage.Store, q *queue.Queue,
	registry ports.Registry, extractor *extract.Extractor, summarizer ports.Summarizer,
	dispatcher *notify.Dispatcher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		queue:      q,
		registry:   registry,
		extractor:  extractor,
		summarizer: summarizer,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Serve resumes interrupted events, then runs the worker pool until the
// context ends.
func (o *Orchestrator) Serve(ctx context.Context) error {
	if err := o.resume(ctx); err != nil {
		return fmt.Errorf("resume in-flight events: %w", err)
	}

	workers := o.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() { errCh <- o.worker(ctx) }()
	}

	var firstErr error
	for i := 0; i < workers; i++ {
		if err := <-errCh; firstErr == nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// resume feeds events that were in flight at shutdown back through the
// stage machine. Each resumes at its last incomplete stage.
func (o *Orchestrator) resume(ctx context.Context) error {
	events, err := o.queue.Resumable(ctx)
	if err != nil {
		return err
	}
	for _, ev := range events {
		o.logger.Info("resuming interrupted event", "event_id", ev.ID, "source_id", ev.SourceID)
		o.process(ctx, ev)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) worker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ev, err := o.queue.Dequeue(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.PollInterval()):
			}
			continue
		}
		if err != nil {
			o.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.cfg.PollInterval()):
			}
			continue
		}

		o.process(ctx, ev)
	}
}

// process drives one event from its last completed stage to Done. The
// stage stored in processing_state is the last milestone known durable;
// the work for the following transition runs next.
func (o *Orchestrator) process(ctx context.Context, ev *domain.ChangeEvent) {
	state, err := o.store.GetState(ctx, ev.ID)
	if errors.Is(err, domain.ErrNotFound) {
		state = &domain.ProcessingState{EventID: ev.ID, Stage: domain.StageFetched}
		if err := o.store.SaveState(ctx, state); err != nil {
			o.logger.Error("save initial state failed", "event_id", ev.ID, "error", err)
			return
		}
	} else if err != nil {
		o.logger.Error("load state failed", "event_id", ev.ID, "error", err)
		return
	}
	if state.Failed {
		// Marked failed before shutdown; make the queue agree and move on.
		if err := o.queue.Fail(ctx, ev.ID); err != nil {
			o.logger.Error("mark event failed", "event_id", ev.ID, "error", err)
		}
		return
	}

	var ex *storage.ExtractionRecord

	for state.Stage != domain.StageDone {
		if ctx.Err() != nil {
			return
		}

		next, err := o.advance(ctx, ev, state, &ex)
		if err != nil {
			o.onStageError(ctx, ev, state, err)
			return
		}

		state.Stage = next
		state.Attempts = 0
		state.LastError = ""
		if err := o.store.SaveState(ctx, state); err != nil {
			o.logger.Error("save state failed", "event_id", ev.ID, "stage", next, "error", err)
			return
		}
	}

	if err := o.queue.Ack(ctx, ev.ID); err != nil {
		o.logger.Error("ack event failed", "event_id", ev.ID, "error", err)
		return
	}
	o.logger.Info("event processed", "event_id", ev.ID, "source_id", ev.SourceID, "seq", ev.Seq)
}

// advance performs the work for the transition out of state.Stage and
// returns the stage reached. Extraction output is persisted alongside
// the Extracted milestone, so a resume loads it from the store instead
// of repeating the image text calls.
func (o *Orchestrator) advance(ctx context.Context, ev *domain.ChangeEvent, state *domain.ProcessingState, ex **storage.ExtractionRecord) (domain.Stage, error) {
	switch state.Stage {
	case domain.StageFetched:
		rec, err := o.extractStage(ctx, ev)
		if err != nil {
			return "", err
		}
		if err := o.store.SaveExtraction(ctx, rec); err != nil {
			return "", err
		}
		*ex = rec
		return domain.StageExtracted, nil

	case domain.StageExtracted:
		if *ex == nil {
			rec, err := o.loadExtraction(ctx, ev)
			if err != nil {
				return "", err
			}
			*ex = rec
		}
		if err := o.summarizeStage(ctx, ev, *ex); err != nil {
			return "", err
		}
		return domain.StageSummarized, nil

	case domain.StageSummarized:
		digest, err := o.store.DigestByEvent(ctx, ev.ID)
		if err != nil {
			return "", err
		}
		if err := o.dispatcher.Dispatch(ctx, digest); err != nil {
			return "", err
		}
		return domain.StageDispatched, nil

	case domain.StageDispatched:
		digest, err := o.store.DigestByEvent(ctx, ev.ID)
		if err != nil {
			return "", err
		}
		wants, err := o.dispatcher.WantsCalendarSync(ctx, ev.SourceID)
		if err != nil {
			return "", err
		}
		if !wants || !hasDatedEntries(digest) {
			return domain.StageDone, nil
		}
		if err := o.dispatcher.SyncCalendars(ctx, digest); err != nil {
			return "", err
		}
		return domain.StageSynced, nil

	case domain.StageSynced:
		return domain.StageDone, nil

	default:
		return "", fmt.Errorf("unknown stage %q for event %s", state.Stage, ev.ID)
	}
}

// extractStage runs text extraction and shapes the durable record.
// Capability failures surface to the retry machinery; a digest is never
// produced from partial extraction output.
func (o *Orchestrator) extractStage(ctx context.Context, ev *domain.ChangeEvent) (*storage.ExtractionRecord, error) {
	result, err := o.extractor.Extract(ctx, ev.Payload, ev.ImageURLs)
	if err != nil {
		return nil, err
	}
	return &storage.ExtractionRecord{
		EventID: ev.ID,
		Title:   result.Title,
		Body:    result.Text,
		OCR:     result.OCR,
	}, nil
}

// loadExtraction fetches the stored extraction output for a resumed
// event, re-running extraction only when no output was persisted.
func (o *Orchestrator) loadExtraction(ctx context.Context, ev *domain.ChangeEvent) (*storage.ExtractionRecord, error) {
	rec, err := o.store.GetExtraction(ctx, ev.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	rec, err = o.extractStage(ctx, ev)
	if err != nil {
		return nil, err
	}
	if err := o.store.SaveExtraction(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// summarizeStage produces and stores the immutable digest for an event.
func (o *Orchestrator) summarizeStage(ctx context.Context, ev *domain.ChangeEvent, ex *storage.ExtractionRecord) error {
	src, err := o.store.GetSource(ctx, ev.SourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	req := ports.SummaryRequest{
		SourceName: src.Name,
		SourceURL:  src.URL,
		Tags:       o.subscriberTags(ctx, ev.SourceID),
		Title:      ex.Title,
		Text:       ex.Body,
		OCRText:    ex.OCR,
	}
	summary, err := o.summarizer.Summarize(ctx, req)
	if err != nil {
		return err
	}

	digest := &domain.Digest{
		ID:                uuid.NewString(),
		EventID:           ev.ID,
		SourceID:          ev.SourceID,
		SourceURL:         src.URL,
		Title:             summary.Title,
		Summary:           summary.Summary,
		Target:            summary.Target,
		ApplicationMethod: summary.ApplicationMethod,
		Schedule:          summary.Schedule,
	}
	if digest.Title == "" {
		digest.Title = src.Name
	}
	return o.store.InsertDigest(ctx, digest)
}

// subscriberTags merges the interest tags of all active subscribers so
// the summarizer can weigh relevance. Best effort.
func (o *Orchestrator) subscriberTags(ctx context.Context, sourceID string) []string {
	subs, err := o.registry.GetSubscribers(ctx, sourceID)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var tags []string
	for _, sub := range subs {
		for _, tag := range sub.Tags {
			tag = strings.TrimSpace(tag)
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

// onStageError retries transient and capability failures with backoff up
// to the attempt limit, then marks the event failed. Permanent failures
// skip the retries.
func (o *Orchestrator) onStageError(ctx context.Context, ev *domain.ChangeEvent, state *domain.ProcessingState, stageErr error) {
	if ctx.Err() != nil {
		// Shutdown, not a stage failure; the event stays in flight and
		// resumes on restart.
		return
	}

	state.Attempts++
	state.LastError = stageErr.Error()

	kind := domain.KindOf(stageErr)
	exhausted := state.Attempts >= o.cfg.MaxAttempts
	if kind == domain.FailurePermanent || exhausted {
		state.Failed = true
		if err := o.store.SaveState(ctx, state); err != nil {
			o.logger.Error("save failed state", "event_id", ev.ID, "error", err)
		}
		if err := o.queue.Fail(ctx, ev.ID); err != nil {
			o.logger.Error("mark event failed", "event_id", ev.ID, "error", err)
		}
		o.logger.Error("event failed",
			"event_id", ev.ID, "source_id", ev.SourceID, "stage", state.Stage,
			"attempts", state.Attempts, "kind", string(kind), "error", stageErr)
		return
	}

	if err := o.store.SaveState(ctx, state); err != nil {
		o.logger.Error("save state failed", "event_id", ev.ID, "error", err)
		return
	}
	o.logger.Warn("stage attempt failed, backing off",
		"event_id", ev.ID, "stage", state.Stage, "attempt", state.Attempts, "error", stageErr)

	backoff := o.cfg.RetryBackoff() * time.Duration(state.Attempts)
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
		o.process(ctx, ev)
	}
}

func hasDatedEntries(digest *domain.Digest) bool {
	for _, entry := range digest.Schedule {
		if strings.TrimSpace(entry.Date) != "" {
			return true
		}
	}
	return false
}
