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

// GetSnapshot returns the current snapshot for a source, or
// domain.ErrNotFound if the source has never been accepted.
func (s *Store) GetSnapshot(ctx context.Context, sourceID string) (*domain.Snapshot, error) {
	var (
		snap      domain.Snapshot
		updatedMS int64
	)
	err := s.sb.Select("source_id, fingerprint, seq, updated_at").
		From("snapshots").
		Where(sq.Eq{"source_id": sourceID}).
		QueryRowContext(ctx).
		Scan(&snap.SourceID, &snap.Fingerprint, &snap.Seq, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	snap.UpdatedAt = fromMS(updatedMS)
	return &snap, nil
}

// CommitSnapshot atomically overwrites the stored fingerprint for a
// source. Callers must only invoke this after the corresponding change
// event has been durably queued.
func (s *Store) CommitSnapshot(ctx context.Context, sourceID, fingerprint string, seq int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (source_id, fingerprint, seq, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(source_id) DO UPDATE SET
		   fingerprint=excluded.fingerprint, seq=excluded.seq, updated_at=excluded.updated_at`,
		sourceID, fingerprint, seq, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// NextSeq returns the next per-source sequence number, counting queued
// events as well so a re-emitted change never reuses a live sequence.
func (s *Store) NextSeq(ctx context.Context, sourceID string) (int64, error) {
	var snapSeq, eventSeq sql.NullInt64

	err := s.sb.Select("seq").From("snapshots").Where(sq.Eq{"source_id": sourceID}).
		QueryRowContext(ctx).Scan(&snapSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read snapshot seq: %w", err)
	}

	err = s.sb.Select("MAX(seq)").From("change_events").Where(sq.Eq{"source_id": sourceID}).
		QueryRowContext(ctx).Scan(&eventSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read event seq: %w", err)
	}

	next := snapSeq.Int64
	if eventSeq.Int64 > next {
		next = eventSeq.Int64
	}
	return next + 1, nil
}
