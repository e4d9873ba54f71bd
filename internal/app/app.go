// Package app assembles the configured components into a supervised
// process: scheduler, pipeline orchestrator, and delivery retrier under
// one supervision tree.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"pagewatch/internal/config"
	"pagewatch/internal/diff"
	"pagewatch/internal/extract"
	"pagewatch/internal/fetch"
	"pagewatch/internal/logging"
	"pagewatch/internal/notify"
	"pagewatch/internal/pipeline"
	"pagewatch/internal/ports"
	"pagewatch/internal/queue"
	"pagewatch/internal/registry"
	"pagewatch/internal/scheduler"
	"pagewatch/internal/storage"
	"pagewatch/internal/summarize"
)

// Application owns the wiring and the supervision tree.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	registry *registry.Registry
	sup      *suture.Supervisor
}

// New builds a runnable application instance.
func New(cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.NewRotating(cfg.Logging)
	}

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	reg := registry.New(store)
	fetcher := fetch.New(cfg.Fetch, baseLogger.With("component", "fetch"))

	norm, err := diff.NewNormalizer(cfg.Normalize)
	if err != nil {
		return nil, fmt.Errorf("build normalizer: %w", err)
	}
	q := queue.New(store, baseLogger.With("component", "queue"))
	engine := diff.NewEngine(store, q, norm, baseLogger.With("component", "diff"))

	var ocr ports.TextExtractor
	if cfg.OCR.Endpoint != "" {
		ocr = extract.NewOCRClient(cfg.OCR, baseLogger.With("component", "ocr"))
	}
	extractor := extract.New(ocr, baseLogger.With("component", "extract"))
	summarizer := summarize.NewClient(cfg.Summarizer)

	channels := []ports.Channel{notify.NewEmailChannel(cfg.Email)}
	var calendar ports.CalendarSync
	if cfg.Calendar.Endpoint != "" {
		calendar = notify.NewCalendarClient(cfg.Calendar)
	}
	dispatcher := notify.NewDispatcher(store, reg, channels, calendar,
		cfg.Calendar.Timezone, baseLogger.With("component", "dispatch"))

	sched := scheduler.New(cfg.Scheduler, reg, fetcher, engine, store,
		baseLogger.With("component", "scheduler"))
	orch := pipeline.New(cfg.Pipeline, store, q, reg, extractor, summarizer,
		dispatcher, baseLogger.With("component", "pipeline"))
	retrier := notify.NewRetrier(dispatcher, cfg.Delivery.RetryInterval(),
		cfg.Delivery.MaxAttempts, baseLogger.With("component", "retrier"))

	sup := suture.New("pagewatch", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: baseLogger.With("component", "supervisor")}).MustHook(),
	})
	sup.Add(sched)
	sup.Add(orch)
	sup.Add(retrier)

	return &Application{
		cfg:      cfg,
		logger:   baseLogger,
		store:    store,
		registry: reg,
		sup:      sup,
	}, nil
}

// Registry exposes the subscription registry for management commands.
func (a *Application) Registry() *registry.Registry { return a.registry }

// Run serves the supervision tree until the context ends.
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("starting", "db", a.cfg.Database.Path)
	defer a.store.Close()
	return a.sup.Serve(ctx)
}
