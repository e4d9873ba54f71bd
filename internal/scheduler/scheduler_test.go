package scheduler

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pagewatch/internal/config"
	"pagewatch/internal/diff"
	"pagewatch/internal/domain"
	"pagewatch/internal/fetch"
	"pagewatch/internal/queue"
	"pagewatch/internal/registry"
	"pagewatch/internal/storage"
)

type fixture struct {
	store     *storage.Store
	registry  *registry.Registry
	queue     *queue.Queue
	scheduler *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.New(slog.DiscardHandler)
	reg := registry.New(s)
	q := queue.New(s, logger)
	norm, err := diff.NewNormalizer(config.NormalizeConfig{})
	if err != nil {
		t.Fatalf("new normalizer: %v", err)
	}
	engine := diff.NewEngine(s, q, norm, logger)
	fetcher := fetch.New(config.FetchConfig{
		TimeoutSec: 5, MaxRetries: 0, BackoffMinMS: 1, BackoffMaxMS: 2,
		MaxBodyBytes: 1 << 20, UserAgent: "pagewatch-test",
	}, logger)

	cfg := config.SchedulerConfig{PollIntervalSec: 60, Workers: 2, DefaultCadenceMin: 60, DeactivateAfter: 2}
	sched := New(cfg, reg, fetcher, engine, s, logger)
	return &fixture{store: s, registry: reg, queue: q, scheduler: sched}
}

func (f *fixture) addSource(t *testing.T, id, url string) {
	t.Helper()
	src := domain.Source{ID: id, URL: url, Kind: domain.KindWeb, Interval: time.Hour, Active: true}
	if err := f.store.UpsertSource(context.Background(), &src); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
}

func (f *fixture) addSubscriber(t *testing.T, sourceID string) {
	t.Helper()
	sub := domain.Subscription{
		ID: "sub-" + sourceID, SourceID: sourceID, OwnerID: "owner",
		Email: "a@example.com", EmailEnabled: true, Active: true,
	}
	if err := f.store.UpsertSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
}

func TestSweepDetectsChanges(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<p>notice v1</p>"))
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()
	f.addSource(t, "src-1", srv.URL)
	f.addSubscriber(t, "src-1")

	f.scheduler.sweep(ctx)

	ev, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("expected queued change event: %v", err)
	}
	if ev.SourceID != "src-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Cadence clock advanced; the source is no longer due.
	due, err := f.registry.ListDueSources(ctx, time.Now())
	if err != nil {
		t.Fatalf("due sources: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("source still due after sweep: %+v", due)
	}
}

func TestSweepSkipsSourcesWithoutSubscribers(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<p>content</p>"))
	}))
	defer srv.Close()

	f := newFixture(t)
	f.addSource(t, "src-1", srv.URL)

	f.scheduler.sweep(context.Background())
	if calls.Load() != 0 {
		t.Fatalf("unwatched source was fetched %d times", calls.Load())
	}
}

func TestRepeatedPermanentFailuresDeactivate(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()
	f.addSource(t, "src-1", srv.URL)
	f.addSubscriber(t, "src-1")

	for i := 0; i < 2; i++ {
		// Reset the cadence clock so the source is due again.
		if err := f.store.TouchSourceAttempted(ctx, "src-1", time.Time{}); err != nil {
			t.Fatalf("reset clock: %v", err)
		}
		f.scheduler.sweep(ctx)
	}

	src, err := f.store.GetSource(ctx, "src-1")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if src.Active {
		t.Fatal("source should be deactivated after repeated permanent failures")
	}
	if src.PermanentFails != 2 {
		t.Fatalf("unexpected failure count: %d", src.PermanentFails)
	}
}

func TestTransientFailureKeepsSourceActive(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()
	f.addSource(t, "src-1", srv.URL)
	f.addSubscriber(t, "src-1")

	f.scheduler.sweep(ctx)

	src, err := f.store.GetSource(ctx, "src-1")
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if !src.Active {
		t.Fatal("transient failures must not deactivate a source")
	}
	if src.PermanentFails != 0 {
		t.Fatalf("transient failure counted as permanent: %d", src.PermanentFails)
	}
}
