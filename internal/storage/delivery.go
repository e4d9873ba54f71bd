package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"pagewatch/internal/domain"
)

const deliveryColumns = "digest_id, recipient, channel, status, attempts, last_error, updated_at"

// EnsureDeliveryPending inserts a pending record for the triple if none
// exists. Returns the current record either way, so the dispatcher can
// skip triples already marked sent.
func (s *Store) EnsureDeliveryPending(ctx context.Context, digestID, recipient, channel string) (*domain.DeliveryRecord, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_records (digest_id, recipient, channel, status, attempts, last_error, updated_at)
		 VALUES (?, ?, ?, ?, 0, '', ?)
		 ON CONFLICT(digest_id, recipient, channel) DO NOTHING`,
		digestID, recipient, channel, domain.DeliveryPending, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure delivery record: %w", err)
	}
	return s.GetDelivery(ctx, digestID, recipient, channel)
}

// GetDelivery returns the record for one (digest, recipient, channel) triple.
func (s *Store) GetDelivery(ctx context.Context, digestID, recipient, channel string) (*domain.DeliveryRecord, error) {
	row := s.sb.Select(deliveryColumns).
		From("delivery_records").
		Where(sq.Eq{"digest_id": digestID, "recipient": recipient, "channel": channel}).
		QueryRowContext(ctx)
	return scanDelivery(row)
}

// MarkDeliveryOutcome records a send attempt result.
func (s *Store) MarkDeliveryOutcome(ctx context.Context, digestID, recipient, channel string, status domain.DeliveryStatus, sendErr string) error {
	_, err := s.sb.Update("delivery_records").
		Set("status", string(status)).
		Set("attempts", sq.Expr("attempts + 1")).
		Set("last_error", sendErr).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"digest_id": digestID, "recipient": recipient, "channel": channel}).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("mark delivery outcome: %w", err)
	}
	return nil
}

// FailExhaustedDeliveries moves pending records that used up their
// attempts to failed so they stop surfacing as retryable. Returns the
// number of records closed.
func (s *Store) FailExhaustedDeliveries(ctx context.Context, maxAttempts int) (int64, error) {
	res, err := s.sb.Update("delivery_records").
		Set("status", string(domain.DeliveryFailed)).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"status": string(domain.DeliveryPending)}).
		Where(sq.GtOrEq{"attempts": maxAttempts}).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("fail exhausted deliveries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingDeliveries returns records still awaiting a successful send with
// fewer than maxAttempts attempts, oldest first.
func (s *Store) PendingDeliveries(ctx context.Context, maxAttempts int) ([]domain.DeliveryRecord, error) {
	rows, err := s.sb.Select(deliveryColumns).
		From("delivery_records").
		Where(sq.Eq{"status": string(domain.DeliveryPending)}).
		Where(sq.Lt{"attempts": maxAttempts}).
		OrderBy("updated_at ASC").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query pending deliveries: %w", err)
	}
	defer rows.Close()

	var records []domain.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanDelivery(row rowScanner) (*domain.DeliveryRecord, error) {
	var (
		rec       domain.DeliveryRecord
		status    string
		updatedMS int64
	)
	err := row.Scan(&rec.DigestID, &rec.Recipient, &rec.Channel, &status,
		&rec.Attempts, &rec.LastError, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery record: %w", err)
	}
	rec.Status = domain.DeliveryStatus(status)
	rec.UpdatedAt = fromMS(updatedMS)
	return &rec, nil
}
