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

const digestColumns = "id, event_id, source_id, source_url, title, summary, target, application_method, schedule, created_at"

// InsertDigest stores the immutable digest produced for one change event.
// A second insert for the same event is a no-op so a resumed Summarized
// stage never produces two digests.
func (s *Store) InsertDigest(ctx context.Context, d *domain.Digest) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	schedule, err := json.Marshal(d.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO digests (`+digestColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		d.ID, d.EventID, d.SourceID, d.SourceURL, d.Title, d.Summary,
		d.Target, d.ApplicationMethod, string(schedule), toMS(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert digest: %w", err)
	}
	return nil
}

// DigestByEvent returns the digest produced for an event, or
// domain.ErrNotFound.
func (s *Store) DigestByEvent(ctx context.Context, eventID string) (*domain.Digest, error) {
	row := s.sb.Select(digestColumns).From("digests").Where(sq.Eq{"event_id": eventID}).QueryRowContext(ctx)
	return scanDigest(row)
}

// GetDigest returns a digest by its own id, or domain.ErrNotFound.
func (s *Store) GetDigest(ctx context.Context, id string) (*domain.Digest, error) {
	row := s.sb.Select(digestColumns).From("digests").Where(sq.Eq{"id": id}).QueryRowContext(ctx)
	return scanDigest(row)
}

func scanDigest(row rowScanner) (*domain.Digest, error) {
	var (
		d         domain.Digest
		schedule  string
		createdMS int64
	)
	err := row.Scan(&d.ID, &d.EventID, &d.SourceID, &d.SourceURL, &d.Title,
		&d.Summary, &d.Target, &d.ApplicationMethod, &schedule, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan digest: %w", err)
	}
	if err := json.Unmarshal([]byte(schedule), &d.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}
	d.CreatedAt = fromMS(createdMS)
	return &d, nil
}
