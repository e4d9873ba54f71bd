package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"pagewatch/internal/domain"
)

const subscriptionColumns = "id, source_id, owner_id, email, tags, email_enabled, calendar_sync, active, created_at, deleted_at"

// UpsertSubscription inserts or updates a subscription record.
func (s *Store) UpsertSubscription(ctx context.Context, sub *domain.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	tags, err := json.Marshal(sub.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   email=excluded.email, tags=excluded.tags,
		   email_enabled=excluded.email_enabled, calendar_sync=excluded.calendar_sync,
		   active=excluded.active, deleted_at=excluded.deleted_at`,
		sub.ID, sub.SourceID, sub.OwnerID, sub.Email, string(tags),
		boolToInt(sub.EmailEnabled), boolToInt(sub.CalendarSync),
		boolToInt(sub.Active), toMS(sub.CreatedAt), toMS(sub.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// SubscribersBySource returns the active, non-deleted subscriptions for a
// source. Returns domain.ErrNotFound when there are none.
func (s *Store) SubscribersBySource(ctx context.Context, sourceID string) ([]domain.Subscription, error) {
	rows, err := s.sb.Select(subscriptionColumns).
		From("subscriptions").
		Where(sq.Eq{"source_id": sourceID, "active": 1, "deleted_at": 0}).
		OrderBy("created_at ASC").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []domain.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, domain.ErrNotFound
	}
	return subs, nil
}

// GetSubscription retrieves one subscription by ID.
func (s *Store) GetSubscription(ctx context.Context, id string) (*domain.Subscription, error) {
	row := s.sb.Select(subscriptionColumns).From("subscriptions").Where(sq.Eq{"id": id}).QueryRowContext(ctx)
	return scanSubscription(row)
}

// SubscriptionByRecipient resolves the subscription behind a delivery
// record's (source, email) pair. Soft-deleted rows are still returned so
// the caller can see they went inactive.
func (s *Store) SubscriptionByRecipient(ctx context.Context, sourceID, email string) (*domain.Subscription, error) {
	row := s.sb.Select(subscriptionColumns).
		From("subscriptions").
		Where(sq.Eq{"source_id": sourceID, "email": email}).
		OrderBy("created_at DESC").
		Limit(1).
		QueryRowContext(ctx)
	return scanSubscription(row)
}

// SoftDeleteSubscription marks a subscription inactive without removing
// the row, so in-flight change events can still resolve it.
func (s *Store) SoftDeleteSubscription(ctx context.Context, id string) error {
	res, err := s.sb.Update("subscriptions").
		Set("active", 0).
		Set("deleted_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("soft delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanSubscription(row rowScanner) (*domain.Subscription, error) {
	var (
		sub                             domain.Subscription
		tags                            string
		emailEnabled, calendarSync, act int
		createdMS, deletedMS            int64
	)
	err := row.Scan(&sub.ID, &sub.SourceID, &sub.OwnerID, &sub.Email, &tags,
		&emailEnabled, &calendarSync, &act, &createdMS, &deletedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &sub.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	sub.EmailEnabled = emailEnabled == 1
	sub.CalendarSync = calendarSync == 1
	sub.Active = act == 1
	sub.CreatedAt = fromMS(createdMS)
	sub.DeletedAt = fromMS(deletedMS)
	return &sub, nil
}
