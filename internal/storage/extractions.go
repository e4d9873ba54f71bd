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
	"pagewatch/internal/ports"
)

// ExtractionRecord is the durable extraction output for one change
// event. Persisting it lets a resumed event reuse the image text
// instead of calling the extraction capability again.
type ExtractionRecord struct {
	EventID string
	Title   string
	Body    string
	OCR     []ports.OCRFragment
}

// SaveExtraction persists the extraction output for an event. A replay
// keeps the first stored output.
func (s *Store) SaveExtraction(ctx context.Context, rec *ExtractionRecord) error {
	ocr, err := json.Marshal(rec.OCR)
	if err != nil {
		return fmt.Errorf("marshal ocr fragments: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extractions (event_id, title, body, ocr, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		rec.EventID, rec.Title, rec.Body, string(ocr), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save extraction: %w", err)
	}
	return nil
}

// GetExtraction loads the stored extraction output for an event, or
// domain.ErrNotFound when none was persisted.
func (s *Store) GetExtraction(ctx context.Context, eventID string) (*ExtractionRecord, error) {
	var (
		rec ExtractionRecord
		ocr string
	)
	err := s.sb.Select("event_id, title, body, ocr").
		From("extractions").
		Where(sq.Eq{"event_id": eventID}).
		QueryRowContext(ctx).
		Scan(&rec.EventID, &rec.Title, &rec.Body, &ocr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get extraction: %w", err)
	}
	if err := json.Unmarshal([]byte(ocr), &rec.OCR); err != nil {
		return nil, fmt.Errorf("unmarshal ocr fragments: %w", err)
	}
	return &rec, nil
}
