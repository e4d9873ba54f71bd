// Package registry is the durable record of subscriptions: which sources
// are watched, by whom, on what cadence, and with which delivery
// preferences.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pagewatch/internal/domain"
	"pagewatch/internal/ports"
	"pagewatch/internal/storage"
)

// Registry implements ports.Registry over the sqlite store.
type Registry struct {
	store *storage.Store
}

var _ ports.Registry = (*Registry)(nil)

// New wraps a store.
func New(store *storage.Store) *Registry {
	return &Registry{store: store}
}

// ListDueSources returns active sources whose next-due time has passed.
func (r *Registry) ListDueSources(ctx context.Context, now time.Time) ([]domain.Source, error) {
	return r.store.DueSources(ctx, now)
}

// GetSubscribers returns the active subscriptions for a source.
// Returns domain.ErrNotFound when the source has none; the scheduler
// treats that as "skip, do not fetch".
func (r *Registry) GetSubscribers(ctx context.Context, sourceID string) ([]domain.Subscription, error) {
	return r.store.SubscribersBySource(ctx, sourceID)
}

// RecordCadence updates the polling interval for a source.
func (r *Registry) RecordCadence(ctx context.Context, sourceID string, interval time.Duration) error {
	return r.store.SetSourceInterval(ctx, sourceID, interval)
}

// Upsert registers or updates a subscription, creating the underlying
// source record on first reference. Called by the external management
// interface with validated input.
func (r *Registry) Upsert(ctx context.Context, sub domain.Subscription) error {
	if sub.SourceID == "" {
		return fmt.Errorf("upsert subscription: missing source id")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := r.store.UpsertSubscription(ctx, &sub); err != nil {
		return err
	}
	return nil
}

// RegisterSource creates or updates a monitored source.
func (r *Registry) RegisterSource(ctx context.Context, src domain.Source) (string, error) {
	if src.URL == "" {
		return "", fmt.Errorf("register source: missing url")
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if err := r.store.UpsertSource(ctx, &src); err != nil {
		return "", err
	}
	return src.ID, nil
}

// Unsubscribe soft-deletes a subscription. In-flight change events keep
// their references; the dispatcher re-checks active status at delivery
// time, so the owner stops receiving digests immediately.
func (r *Registry) Unsubscribe(ctx context.Context, subscriptionID string) error {
	return r.store.SoftDeleteSubscription(ctx, subscriptionID)
}
