package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
	"pagewatch/internal/storage"
)

// calendarChannel is the delivery-record channel name used to make
// calendar sync idempotent per recipient.
const calendarChannel = "calendar"

// Dispatcher fans one digest out to the subscribers of its source. Every
// (digest, recipient, channel) triple gets a delivery record before the
// first send attempt, so a crash between send and record costs at most
// one duplicate, never a lost notification.
type Dispatcher struct {
	store    *storage.Store
	registry ports.Registry
	channels []ports.Channel
	calendar ports.CalendarSync
	timezone string
	logger   *slog.Logger
}

// NewDispatcher wires the dispatcher. calendar may be nil when the
// capability is not configured.
func NewDispatcher(store *storage.Store, registry ports.Registry, channels []ports.Channel,
	calendar ports.CalendarSync, timezone string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		registry: registry,
		channels: channels,
		calendar: calendar,
		timezone: timezone,
		logger:   logger,
	}
}

// Dispatch delivers a digest to every active subscriber over every
// channel. Individual send failures are recorded and left for the
// retrier; only storage and registry errors fail the call.
func (d *Dispatcher) Dispatch(ctx context.Context, digest *domain.Digest) error {
	subs, err := d.registry.GetSubscribers(ctx, digest.SourceID)
	if errors.Is(err, domain.ErrNotFound) {
		d.logger.Info("no subscribers at dispatch time", "source", digest.SourceID, "digest", digest.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	AttachEventURLs(digest, d.timezone)

	for _, sub := range subs {
		if !sub.EmailEnabled {
			continue
		}
		for _, ch := range d.channels {
			if err := d.deliverOne(ctx, digest, sub, ch); err != nil {
				return err
			}
		}
	}
	return nil
}

// deliverOne sends to a single recipient unless the triple is already
// marked sent. The subscription is re-read just before sending so an
// unsubscribe that landed after fan-out still suppresses the send.
func (d *Dispatcher) deliverOne(ctx context.Context, digest *domain.Digest, sub domain.Subscription, ch ports.Channel) error {
	rec, err := d.store.EnsureDeliveryPending(ctx, digest.ID, sub.Email, ch.Name())
	if err != nil {
		return err
	}
	if rec.Status == domain.DeliverySent {
		return nil
	}

	current, err := d.store.GetSubscription(ctx, sub.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err == nil && !current.Active {
		d.logger.Info("skipping delivery to inactive subscription",
			"subscription", sub.ID, "digest", digest.ID)
		return d.store.MarkDeliveryOutcome(ctx, digest.ID, sub.Email, ch.Name(), domain.DeliveryFailed, "subscription inactive")
	}

	if err := ch.Deliver(ctx, digest, sub); err != nil {
		d.logger.Warn("delivery failed",
			"channel", ch.Name(), "recipient", sub.Email, "digest", digest.ID, "error", err)
		return d.store.MarkDeliveryOutcome(ctx, digest.ID, sub.Email, ch.Name(), domain.DeliveryPending, err.Error())
	}

	d.logger.Info("delivered digest", "channel", ch.Name(), "recipient", sub.Email, "digest", digest.ID)
	return d.store.MarkDeliveryOutcome(ctx, digest.ID, sub.Email, ch.Name(), domain.DeliverySent, "")
}

// SyncCalendars pushes the digest's dated schedule entries to each active
// subscriber who opted into calendar sync. Uses the same delivery-record
// mechanism with a dedicated channel name, so a resumed stage never
// creates duplicate events.
func (d *Dispatcher) SyncCalendars(ctx context.Context, digest *domain.Digest) error {
	if d.calendar == nil || len(digest.Schedule) == 0 {
		return nil
	}

	subs, err := d.registry.GetSubscribers(ctx, digest.SourceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.CalendarSync {
			continue
		}
		rec, err := d.store.EnsureDeliveryPending(ctx, digest.ID, sub.Email, calendarChannel)
		if err != nil {
			return err
		}
		if rec.Status == domain.DeliverySent {
			continue
		}

		if err := d.syncOne(ctx, digest, sub); err != nil {
			d.logger.Warn("calendar sync failed", "recipient", sub.Email, "digest", digest.ID, "error", err)
			if err := d.store.MarkDeliveryOutcome(ctx, digest.ID, sub.Email, calendarChannel, domain.DeliveryPending, err.Error()); err != nil {
				return err
			}
			continue
		}
		if err := d.store.MarkDeliveryOutcome(ctx, digest.ID, sub.Email, calendarChannel, domain.DeliverySent, ""); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) syncOne(ctx context.Context, digest *domain.Digest, sub domain.Subscription) error {
	for _, entry := range digest.Schedule {
		if _, ok := parseEntryDate(entry.Date); !ok {
			continue
		}
		if err := d.calendar.CreateEvent(ctx, sub, digest, entry); err != nil {
			return err
		}
	}
	return nil
}

// WantsCalendarSync reports whether any active subscriber of the source
// opted into calendar sync, which decides whether the sync stage runs.
func (d *Dispatcher) WantsCalendarSync(ctx context.Context, sourceID string) (bool, error) {
	subs, err := d.registry.GetSubscribers(ctx, sourceID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.CalendarSync {
			return true, nil
		}
	}
	return false, nil
}

// Retrier periodically retries pending deliveries until they succeed
// or, once their attempts run out, are recorded as failed. Runs as a
// supervised service.
type Retrier struct {
	dispatcher  *Dispatcher
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

// NewRetrier builds the delivery retry service.
func NewRetrier(dispatcher *Dispatcher, interval time.Duration, maxAttempts int, logger *slog.Logger) *Retrier {
	return &Retrier{
		dispatcher:  dispatcher,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Serve polls for pending delivery records until the context ends.
func (r *Retrier) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.logger.Error("delivery retry sweep failed", "error", err)
			}
		}
	}
}

func (r *Retrier) sweep(ctx context.Context) error {
	// Close out records whose attempts ran out before this sweep, so
	// nothing lingers in pending forever.
	if n, err := r.dispatcher.store.FailExhaustedDeliveries(ctx, r.maxAttempts); err != nil {
		return err
	} else if n > 0 {
		r.logger.Warn("deliveries abandoned after exhausting retries", "count", n)
	}

	records, err := r.dispatcher.store.PendingDeliveries(ctx, r.maxAttempts)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if err := r.retryOne(ctx, rec); err != nil {
			r.logger.Warn("delivery retry failed",
				"digest", rec.DigestID, "recipient", rec.Recipient, "channel", rec.Channel, "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Retrier) retryOne(ctx context.Context, rec domain.DeliveryRecord) error {
	d := r.dispatcher

	digest, err := d.store.GetDigest(ctx, rec.DigestID)
	if err != nil {
		return err
	}
	AttachEventURLs(digest, d.timezone)
	sub, err := d.store.SubscriptionByRecipient(ctx, digest.SourceID, rec.Recipient)
	if errors.Is(err, domain.ErrNotFound) {
		return d.store.MarkDeliveryOutcome(ctx, rec.DigestID, rec.Recipient, rec.Channel, domain.DeliveryFailed, "subscription gone")
	}
	if err != nil {
		return err
	}
	if !sub.Active {
		return d.store.MarkDeliveryOutcome(ctx, rec.DigestID, rec.Recipient, rec.Channel, domain.DeliveryFailed, "subscription inactive")
	}

	if rec.Channel == calendarChannel {
		if d.calendar == nil {
			return d.store.MarkDeliveryOutcome(ctx, rec.DigestID, rec.Recipient, rec.Channel, domain.DeliveryFailed, "calendar sync not configured")
		}
		if err := d.syncOne(ctx, digest, *sub); err != nil {
			return d.store.MarkDeliveryOutcome(ctx, rec.DigestID, rec.Recipient, rec.Channel, r.failureStatus(rec), err.Error())
		}
		return d.store.MarkDeliveryOutcome(ctx, rec.DigestID, rec.Recipient, rec.Channel, domain.DeliverySent, "")
	}

	for _, ch := range d.channels {
		if ch.Name() != rec.Channel {
			continue
		}
		if err := ch.Deliver(ctx, digest, *sub); err != nil {
			return d.store.MarkDeliveryOutcome(ctx, rec.DigestID, rec.Recipient, rec.Channel, r.failureStatus(rec), err.Error())
		}
		r.logger.Info("delivery retry succeeded", "channel", rec.Channel, "recipient", rec.Recipient, "digest", rec.DigestID)
		return d.store.MarkDeliveryOutcome(ctx, rec.DigestID, rec.Recipient, rec.Channel, domain.DeliverySent, "")
	}
	return d.store.MarkDeliveryOutcome(ctx, rec.DigestID, rec.Recipient, rec.Channel, domain.DeliveryFailed, "unknown channel")
}

// failureStatus keeps a failed retry pending while attempts remain and
// closes the record as failed when this attempt was the last.
func (r *Retrier) failureStatus(rec domain.DeliveryRecord) domain.DeliveryStatus {
	if rec.Attempts+1 >= r.maxAttempts {
		return domain.DeliveryFailed
	}
	return domain.DeliveryPending
}
