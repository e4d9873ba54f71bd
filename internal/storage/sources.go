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

const sourceColumns = "id, name, url, kind, interval_ms, active, last_fetched_at, etag, last_modified, permanent_fails, created_at, updated_at"

// UpsertSource inserts or updates a source record.
func (s *Store) UpsertSource(ctx context.Context, src *domain.Source) error {
	now := time.Now()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	if src.Kind == "" {
		src.Kind = domain.KindWeb
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sources (`+sourceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, url=excluded.url, kind=excluded.kind,
		   interval_ms=excluded.interval_ms, active=excluded.active,
		   updated_at=excluded.updated_at`,
		src.ID, src.Name, src.URL, string(src.Kind), src.Interval.Milliseconds(),
		boolToInt(src.Active), toMS(src.LastFetchedAt), src.ETag, src.LastModified,
		src.PermanentFails, toMS(src.CreatedAt), toMS(src.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

// GetSource retrieves a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (*domain.Source, error) {
	row := s.sb.Select(sourceColumns).From("sources").Where(sq.Eq{"id": id}).QueryRowContext(ctx)
	return scanSource(row)
}

// DueSources returns active sources whose next fetch time has passed.
// Next fetch = last_fetched_at + interval; never-fetched sources are always due.
func (s *Store) DueSources(ctx context.Context, now time.Time) ([]domain.Source, error) {
	rows, err := s.sb.Select(sourceColumns).
		From("sources").
		Where(sq.Eq{"active": 1}).
		Where(sq.Expr("last_fetched_at + interval_ms <= ?", now.UnixMilli())).
		OrderBy("last_fetched_at ASC").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query due sources: %w", err)
	}
	defer rows.Close()

	var due []domain.Source
	for rows.Next() {
		src, err := scanSourceRows(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, *src)
	}
	return due, rows.Err()
}

// TouchSourceFetched records a completed fetch cycle and resets the
// permanent failure counter.
func (s *Store) TouchSourceFetched(ctx context.Context, id, etag, lastModified string, at time.Time) error {
	_, err := s.sb.Update("sources").
		Set("last_fetched_at", toMS(at)).
		Set("etag", etag).
		Set("last_modified", lastModified).
		Set("permanent_fails", 0).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	return nil
}

// TouchSourceAttempted records a failed fetch cycle without clearing the
// permanent failure counter or validators.
func (s *Store) TouchSourceAttempted(ctx context.Context, id string, at time.Time) error {
	_, err := s.sb.Update("sources").
		Set("last_fetched_at", toMS(at)).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("touch source: %w", err)
	}
	return nil
}

// RecordPermanentFailure bumps the consecutive permanent-failure counter
// and deactivates the source once the threshold is reached. Returns the
// new counter value.
func (s *Store) RecordPermanentFailure(ctx context.Context, id string, deactivateAfter int) (int, error) {
	_, err := s.sb.Update("sources").
		Set("permanent_fails", sq.Expr("permanent_fails + 1")).
		Set("last_fetched_at", time.Now().UnixMilli()).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("record permanent failure: %w", err)
	}

	var fails int
	err = s.sb.Select("permanent_fails").From("sources").Where(sq.Eq{"id": id}).
		QueryRowContext(ctx).Scan(&fails)
	if err != nil {
		return 0, fmt.Errorf("read failure count: %w", err)
	}

	if deactivateAfter > 0 && fails >= deactivateAfter {
		if _, err := s.sb.Update("sources").
			Set("active", 0).
			Set("updated_at", time.Now().UnixMilli()).
			Where(sq.Eq{"id": id}).
			ExecContext(ctx); err != nil {
			return fails, fmt.Errorf("deactivate source: %w", err)
		}
	}
	return fails, nil
}

// SetSourceInterval updates the polling cadence for a source.
func (s *Store) SetSourceInterval(ctx context.Context, id string, interval time.Duration) error {
	res, err := s.sb.Update("sources").
		Set("interval_ms", interval.Milliseconds()).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("set interval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*domain.Source, error) {
	var (
		src                       domain.Source
		kind                      string
		intervalMS, fetchedMS     int64
		active                    int
		createdMS, updatedMS      int64
	)
	err := row.Scan(&src.ID, &src.Name, &src.URL, &kind, &intervalMS, &active,
		&fetchedMS, &src.ETag, &src.LastModified, &src.PermanentFails, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan source: %w", err)
	}
	src.Kind = domain.SourceKind(kind)
	src.Interval = time.Duration(intervalMS) * time.Millisecond
	src.Active = active == 1
	src.LastFetchedAt = fromMS(fetchedMS)
	src.CreatedAt = fromMS(createdMS)
	src.UpdatedAt = fromMS(updatedMS)
	return &src, nil
}

func scanSourceRows(rows *sql.Rows) (*domain.Source, error) {
	return scanSource(rows)
}
