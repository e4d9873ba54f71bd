package domain

import "time"

// SourceKind selects the fetch strategy for a monitored endpoint.
type SourceKind string

const (
	KindWeb SourceKind = "web"
	KindRSS SourceKind = "rss"
)

// Source is a monitored web endpoint shared by any number of subscriptions.
type Source struct {
	ID             string
	Name           string
	URL            string
	Kind           SourceKind
	Interval       time.Duration
	Active         bool
	LastFetchedAt  time.Time
	ETag           string
	LastModified   string
	PermanentFails int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Subscription binds an owner to a source with delivery preferences.
// A subscription always belongs to exactly one owner; a source may be
// shared across many subscriptions.
type Subscription struct {
	ID           string
	SourceID     string
	OwnerID      string
	Email        string
	Tags         []string
	EmailEnabled bool
	CalendarSync bool
	Active       bool
	CreatedAt    time.Time
	DeletedAt    time.Time // zero unless soft-deleted
}

// Snapshot is the last-accepted fingerprint of a source's content.
// There is exactly one current snapshot per source and it is overwritten
// only after the corresponding change event is durably queued.
type Snapshot struct {
	SourceID    string
	Fingerprint string
	Seq         int64
	UpdatedAt   time.Time
}
