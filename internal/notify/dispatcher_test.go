package notify

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
	"pagewatch/internal/registry"
	"pagewatch/internal/storage"
)

type fakeChannel struct {
	name      string
	delivered []string // recipients in order
	fail      error
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(_ context.Context, _ *domain.Digest, sub domain.Subscription) error {
	if f.fail != nil {
		return f.fail
	}
	f.delivered = append(f.delivered, sub.Email)
	return nil
}

type fakeCalendar struct {
	created int
	fail    error
}

func (f *fakeCalendar) CreateEvent(context.Context, domain.Subscription, *domain.Digest, domain.ScheduleEntry) error {
	if f.fail != nil {
		return f.fail
	}
	f.created++
	return nil
}

type fixture struct {
	store      *storage.Store
	registry   *registry.Registry
	channel    *fakeChannel
	calendar   *fakeCalendar
	dispatcher *Dispatcher
	digest     *domain.Digest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	src := domain.Source{ID: "src-1", URL: "https://example.com", Interval: time.Hour, Active: true}
	if err := s.UpsertSource(ctx, &src); err != nil {
		t.Fatalf("upsert source: %v", err)
	}
	ev := &domain.ChangeEvent{
		ID: "ev-1", SourceID: "src-1", Seq: 1,
		NewFingerprint: "fp", Payload: []byte("x"), DetectedAt: time.Now(),
	}
	if err := s.InsertEvent(ctx, ev); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	digest := &domain.Digest{
		ID: "dg-1", EventID: "ev-1", SourceID: "src-1",
		SourceURL: "https://example.com", Title: "Notice", Summary: "Summary",
		Schedule: []domain.ScheduleEntry{{Description: "Deadline", Date: "2025.09.04"}},
	}
	if err := s.InsertDigest(ctx, digest); err != nil {
		t.Fatalf("insert digest: %v", err)
	}

	ch := &fakeChannel{name: "email"}
	cal := &fakeCalendar{}
	reg := registry.New(s)
	disp := NewDispatcher(s, reg, []ports.Channel{ch}, cal, "Asia/Seoul", slog.New(slog.DiscardHandler))

	return &fixture{store: s, registry: reg, channel: ch, calendar: cal, dispatcher: disp, digest: digest}
}

func (f *fixture) subscribe(t *testing.T, id, email string, calendarSync bool) {
	t.Helper()
	sub := domain.Subscription{
		ID: id, SourceID: "src-1", OwnerID: "owner-" + id, Email: email,
		EmailEnabled: true, CalendarSync: calendarSync, Active: true,
	}
	if err := f.store.UpsertSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
}

func TestDispatchFansOutOncePerRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "sub-1", "a@example.com", false)
	f.subscribe(t, "sub-2", "b@example.com", false)

	if err := f.dispatcher.Dispatch(ctx, f.digest); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(f.channel.delivered) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", f.channel.delivered)
	}

	// A repeated dispatch (resumed stage) must not send again.
	if err := f.dispatcher.Dispatch(ctx, f.digest); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if len(f.channel.delivered) != 2 {
		t.Fatalf("duplicate sends on redispatch: %v", f.channel.delivered)
	}
}

func TestDispatchAttachesCalendarLinks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subscribe(t, "sub-1", "a@example.com", false)

	if err := f.dispatcher.Dispatch(context.Background(), f.digest); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if f.digest.Schedule[0].CalendarURL == "" {
		t.Fatal("dated schedule entry should carry a calendar link")
	}
}

func TestDispatchSkipsUnsubscribed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "sub-1", "a@example.com", false)

	// Unsubscribe lands between fan-out queries in real runs; here the
	// delivery-time re-check is what suppresses the send.
	subs, err := f.registry.GetSubscribers(ctx, "src-1")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if err := f.registry.Unsubscribe(ctx, subs[0].ID); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if err := f.dispatcher.deliverOne(ctx, f.digest, subs[0], f.channel); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(f.channel.delivered) != 0 {
		t.Fatalf("delivery to unsubscribed recipient: %v", f.channel.delivered)
	}

	rec, err := f.store.GetDelivery(ctx, f.digest.ID, "a@example.com", "email")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if rec.Status != domain.DeliveryFailed {
		t.Fatalf("expected failed record, got %s", rec.Status)
	}
}

func TestDispatchFailureStaysPendingForRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "sub-1", "a@example.com", false)
	f.channel.fail = domain.Delivery(errors.New("smtp down"))

	if err := f.dispatcher.Dispatch(ctx, f.digest); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	rec, err := f.store.GetDelivery(ctx, f.digest.ID, "a@example.com", "email")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if rec.Status != domain.DeliveryPending || rec.Attempts != 1 {
		t.Fatalf("unexpected record after failure: %+v", rec)
	}

	// The retrier picks it up once the channel recovers.
	f.channel.fail = nil
	retrier := NewRetrier(f.dispatcher, time.Minute, 3, slog.New(slog.DiscardHandler))
	if err := retrier.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(f.channel.delivered) != 1 || f.channel.delivered[0] != "a@example.com" {
		t.Fatalf("retry did not deliver: %v", f.channel.delivered)
	}
	rec, err = f.store.GetDelivery(ctx, f.digest.ID, "a@example.com", "email")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if rec.Status != domain.DeliverySent {
		t.Fatalf("expected sent after retry, got %s", rec.Status)
	}
}

func TestRetryExhaustionMarksDeliveryFailed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "sub-1", "a@example.com", false)
	f.channel.fail = domain.Delivery(errors.New("smtp down"))

	if err := f.dispatcher.Dispatch(ctx, f.digest); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// maxAttempts 2: the dispatch attempt plus one retry.
	retrier := NewRetrier(f.dispatcher, time.Minute, 2, slog.New(slog.DiscardHandler))
	if err := retrier.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rec, err := f.store.GetDelivery(ctx, f.digest.ID, "a@example.com", "email")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if rec.Status != domain.DeliveryFailed {
		t.Fatalf("exhausted record should be failed, got %s", rec.Status)
	}
	if rec.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", rec.Attempts)
	}

	// A recovered channel must not resurrect the closed record.
	f.channel.fail = nil
	if err := retrier.sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(f.channel.delivered) != 0 {
		t.Fatalf("failed record was retried: %v", f.channel.delivered)
	}
}

func TestSweepClosesRecordsExhaustedElsewhere(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "sub-1", "a@example.com", false)
	f.channel.fail = domain.Delivery(errors.New("smtp down"))

	// Two dispatch rounds use up both attempts while the record stays
	// pending; the next sweep closes it instead of abandoning it.
	if err := f.dispatcher.Dispatch(ctx, f.digest); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	subs, err := f.registry.GetSubscribers(ctx, "src-1")
	if err != nil {
		t.Fatalf("subscribers: %v", err)
	}
	if err := f.dispatcher.deliverOne(ctx, f.digest, subs[0], f.channel); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	retrier := NewRetrier(f.dispatcher, time.Minute, 2, slog.New(slog.DiscardHandler))
	if err := retrier.sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	rec, err := f.store.GetDelivery(ctx, f.digest.ID, "a@example.com", "email")
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if rec.Status != domain.DeliveryFailed || rec.Attempts != 2 {
		t.Fatalf("expected closed record with 2 attempts, got %+v", rec)
	}
}

func TestSyncCalendarsOnlyForOptedIn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, "sub-1", "a@example.com", true)
	f.subscribe(t, "sub-2", "b@example.com", false)

	if err := f.dispatcher.SyncCalendars(ctx, f.digest); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if f.calendar.created != 1 {
		t.Fatalf("expected 1 calendar event, got %d", f.calendar.created)
	}

	// Re-running the stage must not duplicate events.
	if err := f.dispatcher.SyncCalendars(ctx, f.digest); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if f.calendar.created != 1 {
		t.Fatalf("duplicate calendar events: %d", f.calendar.created)
	}
}

func TestWantsCalendarSync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	wants, err := f.dispatcher.WantsCalendarSync(ctx, "src-1")
	if err != nil {
		t.Fatalf("wants: %v", err)
	}
	if wants {
		t.Fatal("no subscribers should mean no sync")
	}

	f.subscribe(t, "sub-1", "a@example.com", false)
	if wants, _ = f.dispatcher.WantsCalendarSync(ctx, "src-1"); wants {
		t.Fatal("no opt-in should mean no sync")
	}

	f.subscribe(t, "sub-2", "b@example.com", true)
	if wants, _ = f.dispatcher.WantsCalendarSync(ctx, "src-1"); !wants {
		t.Fatal("opt-in subscriber should enable sync")
	}
}
