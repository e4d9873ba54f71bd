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

// GetState returns the persisted processing state for an event, or
// domain.ErrNotFound when processing has not started.
func (s *Store) GetState(ctx context.Context, eventID string) (*domain.ProcessingState, error) {
	var (
		st        domain.ProcessingState
		stage     string
		failed    int
		updatedMS int64
	)
	err := s.sb.Select("event_id, stage, attempts, failed, last_error, updated_at").
		From("processing_state").
		Where(sq.Eq{"event_id": eventID}).
		QueryRowContext(ctx).
		Scan(&st.EventID, &stage, &st.Attempts, &failed, &st.LastError, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get processing state: %w", err)
	}
	st.Stage = domain.Stage(stage)
	st.Failed = failed == 1
	st.UpdatedAt = fromMS(updatedMS)
	return &st, nil
}

// SaveState persists the processing state for an event. Each stage
// transition calls this before attempting the next stage so a restart
// resumes exactly where processing stopped.
func (s *Store) SaveState(ctx context.Context, st *domain.ProcessingState) error {
	st.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processing_state (event_id, stage, attempts, failed, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET
		   stage=excluded.stage, attempts=excluded.attempts, failed=excluded.failed,
		   last_error=excluded.last_error, updated_at=excluded.updated_at`,
		st.EventID, string(st.Stage), st.Attempts, boolToInt(st.Failed),
		st.LastError, toMS(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save processing state: %w", err)
	}
	return nil
}
