package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"pagewatch/internal/domain"
)

// Queue status values for change events.
const (
	EventQueued     = "queued"
	EventInFlight   = "inflight"
	EventDone       = "done"
	EventFailed     = "failed"
	EventSuperseded = "superseded"
)

const eventColumns = "id, source_id, seq, old_fingerprint, new_fingerprint, payload, image_urls, detected_at, status"

// InsertEvent durably appends a change event in queued status.
func (s *Store) InsertEvent(ctx context.Context, ev *domain.ChangeEvent) error {
	images, err := json.Marshal(ev.ImageURLs)
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}

	_, err = s.sb.Insert("change_events").
		Columns(eventColumns).
		Values(ev.ID, ev.SourceID, ev.Seq, ev.OldFingerprint, ev.NewFingerprint,
			ev.Payload, string(images), toMS(ev.DetectedAt), EventQueued).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

// SupersedeOlderEvents discards queued (unstarted) events for a source
// older than seq. In-flight events are left alone. Returns the number of
// superseded events.
func (s *Store) SupersedeOlderEvents(ctx context.Context, sourceID string, seq int64) (int64, error) {
	res, err := s.sb.Update("change_events").
		Set("status", EventSuperseded).
		Where(sq.Eq{"source_id": sourceID, "status": EventQueued}).
		Where(sq.Lt{"seq": seq}).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("supersede events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DequeueNext claims the oldest queued event whose source has no other
// in-flight event, marks it in-flight, and returns it. Selection and
// claim are one statement so two consumers can never claim events of
// the same source between the in-flight check and the update. Returns
// domain.ErrNotFound when no claimable event exists.
func (s *Store) DequeueNext(ctx context.Context) (*domain.ChangeEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE change_events SET status = ?
		 WHERE id = (
		     SELECT id FROM change_events
		     WHERE status = ?
		       AND source_id NOT IN (SELECT source_id FROM change_events WHERE status = ?)
		     ORDER BY detected_at ASC
		     LIMIT 1
		 ) AND status = ?
		 RETURNING `+eventColumns,
		EventInFlight, EventQueued, EventInFlight, EventQueued,
	)
	return scanEvent(row)
}

// ResumableEvents returns events that were in-flight when the process
// stopped, so the orchestrator can resume them from their persisted stage.
func (s *Store) ResumableEvents(ctx context.Context) ([]*domain.ChangeEvent, error) {
	rows, err := s.sb.Select(eventColumns).
		From("change_events").
		Where(sq.Eq{"status": EventInFlight}).
		OrderBy("detected_at ASC").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query resumable events: %w", err)
	}
	defer rows.Close()

	var events []*domain.ChangeEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SetEventStatus moves an event to a terminal or queue status.
func (s *Store) SetEventStatus(ctx context.Context, eventID, status string) error {
	res, err := s.sb.Update("change_events").
		Set("status", status).
		Where(sq.Eq{"id": eventID}).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("set event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetEvent retrieves one change event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*domain.ChangeEvent, error) {
	row := s.sb.Select(eventColumns).From("change_events").Where(sq.Eq{"id": id}).QueryRowContext(ctx)
	return scanEvent(row)
}

func scanEvent(row rowScanner) (*domain.ChangeEvent, error) {
	var (
		ev         domain.ChangeEvent
		images     string
		detectedMS int64
		status     string
	)
	err := row.Scan(&ev.ID, &ev.SourceID, &ev.Seq, &ev.OldFingerprint,
		&ev.NewFingerprint, &ev.Payload, &images, &detectedMS, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan change event: %w", err)
	}
	if err := json.Unmarshal([]byte(images), &ev.ImageURLs); err != nil {
		return nil, fmt.Errorf("unmarshal image urls: %w", err)
	}
	ev.DetectedAt = fromMS(detectedMS)
	return &ev, nil
}
