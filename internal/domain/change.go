package domain

import "time"

// ChangeEvent records one detected content change for one source.
// Immutable once created. Seq increases monotonically per source so a
// newer event can supersede an older one that has not started processing.
type ChangeEvent struct {
	ID             string
	SourceID       string
	Seq            int64
	OldFingerprint string
	NewFingerprint string
	Payload        []byte
	ImageURLs      []string
	DetectedAt     time.Time
}

// Stage enumerates pipeline milestones for a change event.
type Stage string

const (
	StageFetched    Stage = "fetched"
	StageExtracted  Stage = "extracted"
	StageSummarized Stage = "summarized"
	StageDispatched Stage = "dispatched"
	StageSynced     Stage = "synced"
	StageDone       Stage = "done"
)

// Next returns the stage following s in the happy path. Synced is
// conditional: the orchestrator jumps straight to Done when no subscriber
// requested calendar sync or the digest carries no structured dates.
func (s Stage) Next() Stage {
	switch s {
	case StageFetched:
		return StageExtracted
	case StageExtracted:
		return StageSummarized
	case StageSummarized:
		return StageDispatched
	case StageDispatched:
		return StageSynced
	case StageSynced:
		return StageDone
	default:
		return StageDone
	}
}

// ProcessingState tracks how far a change event has advanced. It is
// persisted before each transition so a restart resumes at the last
// incomplete stage instead of re-running completed ones.
type ProcessingState struct {
	EventID   string
	Stage     Stage
	Attempts  int // attempts at the current stage
	Failed    bool
	LastError string
	UpdatedAt time.Time
}

// ScheduleEntry is one structured date extracted from a digest.
type ScheduleEntry struct {
	Description string `json:"description"`
	Date        string `json:"date"`
	Location    string `json:"location"`
	CalendarURL string `json:"url,omitempty"`
}

// Digest is the user-facing summarized output of one change event.
// Produced once, immutable, referenced by delivery and calendar sync.
type Digest struct {
	ID                string
	EventID           string
	SourceID          string
	SourceURL         string
	Title             string
	Summary           string
	Target            string
	ApplicationMethod string
	Schedule          []ScheduleEntry
	CreatedAt         time.Time
}

// DeliveryStatus is the outcome of one delivery attempt series.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// DeliveryRecord is the per (digest, recipient, channel) outcome used to
// provide at-least-once delivery without duplicate sends.
type DeliveryRecord struct {
	DigestID  string
	Recipient string
	Channel   string
	Status    DeliveryStatus
	Attempts  int
	LastError string
	UpdatedAt time.Time
}
