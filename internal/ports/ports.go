package ports

import (
	"context"
	"time"

	"pagewatch/internal/domain"
)

// Registry exposes the subscription data feeding the scheduler and the
// orchestrator fan-out.
type Registry interface {
	ListDueSources(ctx context.Context, now time.Time) ([]domain.Source, error)
	GetSubscribers(ctx context.Context, sourceID string) ([]domain.Subscription, error)
	RecordCadence(ctx context.Context, sourceID string, interval time.Duration) error
	Upsert(ctx context.Context, sub domain.Subscription) error
	Unsubscribe(ctx context.Context, subscriptionID string) error
}

// Fetcher retrieves the current representation of a source. It never
// mutates stored snapshots; commit is the diff engine's responsibility.
type Fetcher interface {
	Fetch(ctx context.Context, source domain.Source) (*FetchResult, error)
}

// FetchResult is a snapshot candidate produced by one fetch.
type FetchResult struct {
	Body         []byte
	StatusCode   int
	ETag         string
	LastModified string
	NotModified  bool
	ImageURLs    []string
	FetchedAt    time.Time
}

// TextExtractor is the optical text extraction capability: image in,
// plain text out.
type TextExtractor interface {
	ExtractText(ctx context.Context, imageURL string) (string, error)
}

// SummaryRequest carries merged text plus source context to the
// summarization capability.
type SummaryRequest struct {
	SourceName string
	SourceURL  string
	Tags       []string
	Title      string
	Text       string
	OCRText    []OCRFragment
}

// OCRFragment pairs an image with the text extracted from it.
type OCRFragment struct {
	ImageURL string `json:"image_url"`
	Text     string `json:"text"`
}

// SummaryResult is the structured digest content returned by the
// summarization capability.
type SummaryResult struct {
	Title             string                 `json:"title"`
	Summary           string                 `json:"summary"`
	Target            string                 `json:"target"`
	ApplicationMethod string                 `json:"application_method"`
	Schedule          []domain.ScheduleEntry `json:"schedule"`
}

// Summarizer produces digest content from merged text and source context.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (*SummaryResult, error)
}

// Channel delivers a finalized digest to one recipient. Each notification
// channel (email now, others later) is a separate implementation.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, digest *domain.Digest, sub domain.Subscription) error
}

// CalendarSync pushes one structured event to a recipient's calendar.
type CalendarSync interface {
	CreateEvent(ctx context.Context, sub domain.Subscription, digest *domain.Digest, entry domain.ScheduleEntry) error
}
