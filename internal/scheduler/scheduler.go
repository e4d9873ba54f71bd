// Package scheduler drives the polling loop: it finds sources whose
// cadence has elapsed and runs fetch plus change evaluation for each,
// with bounded concurrency and at most one in-flight fetch per source.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pagewatch/internal/config"
	"pagewatch/internal/diff"
	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
	"pagewatch/internal/storage"
)

// Scheduler is a supervised service; Serve runs until the context ends.
type Scheduler struct {
	cfg      config.SchedulerConfig
	registry ports.Registry
	fetcher  ports.Fetcher
	engine   *diff.Engine
	store    *storage.Store
	logger   *slog.Logger

	// inflight guards against the same source being fetched twice when a
	// slow fetch overlaps the next tick.
	inflight sync.Map // source id -> *sync.Mutex
}

// New wires the scheduler.
func New(cfg config.SchedulerConfig, registry ports.Registry, fetcher ports.Fetcher,
	engine *diff.Engine, store *storage.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		fetcher:  fetcher,
		engine:   engine,
		store:    store,
		logger:   logger,
	}
}

// Serve polls for due sources on a fixed tick. One sweep runs at a time;
// sources within a sweep are processed by a bounded worker pool.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	sources, err := s.registry.ListDueSources(ctx, time.Now())
	if err != nil {
		s.logger.Error("list due sources failed", "error", err)
		return
	}
	if len(sources) == 0 {
		return
	}
	s.logger.Debug("sweep started", "due", len(sources))

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, src := range sources {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(src domain.Source) {
			defer wg.Done()
			defer func() { <-sem }()
			s.visit(ctx, src)
		}(src)
	}
	wg.Wait()
}

// visit runs one fetch-and-evaluate cycle for one source.
func (s *Scheduler) visit(ctx context.Context, src domain.Source) {
	muAny, _ := s.inflight.LoadOrStore(src.ID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	if !mu.TryLock() {
		s.logger.Debug("fetch already in flight, skipping", "source_id", src.ID)
		return
	}
	defer mu.Unlock()

	// A source nobody watches is not fetched at all.
	if _, err := s.registry.GetSubscribers(ctx, src.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.logger.Debug("no subscribers, skipping fetch", "source_id", src.ID)
			return
		}
		s.logger.Error("load subscribers failed", "source_id", src.ID, "error", err)
		return
	}

	result, err := s.fetcher.Fetch(ctx, src)
	if err != nil {
		s.onFetchError(ctx, src, err)
		return
	}

	if _, err := s.engine.Evaluate(ctx, src, result); err != nil {
		s.logger.Error("change evaluation failed", "source_id", src.ID, "error", err)
		return
	}

	etag, lastModified := result.ETag, result.LastModified
	if result.NotModified {
		// 304 responses may omit validators; keep the stored ones.
		if etag == "" {
			etag = src.ETag
		}
		if lastModified == "" {
			lastModified = src.LastModified
		}
	}
	if err := s.store.TouchSourceFetched(ctx, src.ID, etag, lastModified, result.FetchedAt); err != nil {
		s.logger.Error("record fetch time failed", "source_id", src.ID, "error", err)
	}
}

func (s *Scheduler) onFetchError(ctx context.Context, src domain.Source, fetchErr error) {
	if ctx.Err() != nil {
		return
	}

	switch domain.KindOf(fetchErr) {
	case domain.FailurePermanent:
		fails, err := s.store.RecordPermanentFailure(ctx, src.ID, s.cfg.DeactivateAfter)
		if err != nil {
			s.logger.Error("record permanent failure failed", "source_id", src.ID, "error", err)
			return
		}
		if fails >= s.cfg.DeactivateAfter {
			s.logger.Warn("source deactivated after repeated permanent failures",
				"source_id", src.ID, "url", src.URL, "fails", fails)
		} else {
			s.logger.Warn("permanent fetch failure", "source_id", src.ID, "fails", fails, "error", fetchErr)
		}
	default:
		// Transient: keep the cadence clock moving so one slow outage does
		// not turn into a fetch on every tick.
		s.logger.Warn("transient fetch failure", "source_id", src.ID, "error", fetchErr)
		if err := s.store.TouchSourceAttempted(ctx, src.ID, time.Now()); err != nil {
			s.logger.Error("record fetch time failed", "source_id", src.ID, "error", err)
		}
	}
}
