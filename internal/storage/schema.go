package storage

// Schema is the complete pagewatch schema. Timestamps are unix
// milliseconds; booleans are 0/1 integers.
const Schema = `
CREATE TABLE IF NOT EXISTS sources (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT '',
    url             TEXT NOT NULL,
    kind            TEXT NOT NULL DEFAULT 'web',
    interval_ms     INTEGER NOT NULL DEFAULT 3600000,
    active          INTEGER NOT NULL DEFAULT 1,
    last_fetched_at INTEGER NOT NULL DEFAULT 0,
    etag            TEXT NOT NULL DEFAULT '',
    last_modified   TEXT NOT NULL DEFAULT '',
    permanent_fails INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_due ON sources(active, last_fetched_at);

CREATE TABLE IF NOT EXISTS subscriptions (
    id             TEXT PRIMARY KEY,
    source_id      TEXT NOT NULL REFERENCES sources(id),
    owner_id       TEXT NOT NULL,
    email          TEXT NOT NULL,
    tags           TEXT NOT NULL DEFAULT '[]',
    email_enabled  INTEGER NOT NULL DEFAULT 1,
    calendar_sync  INTEGER NOT NULL DEFAULT 0,
    active         INTEGER NOT NULL DEFAULT 1,
    created_at     INTEGER NOT NULL,
    deleted_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_source ON subscriptions(source_id, active);

CREATE TABLE IF NOT EXISTS snapshots (
    source_id   TEXT PRIMARY KEY REFERENCES sources(id),
    fingerprint TEXT NOT NULL,
    seq         INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL
);

-- Change events double as the durable queue: status tracks queue position.
CREATE TABLE IF NOT EXISTS change_events (
    id              TEXT PRIMARY KEY,
    source_id       TEXT NOT NULL REFERENCES sources(id),
    seq             INTEGER NOT NULL,
    old_fingerprint TEXT NOT NULL DEFAULT '',
    new_fingerprint TEXT NOT NULL,
    payload         BLOB NOT NULL,
    image_urls      TEXT NOT NULL DEFAULT '[]',
    detected_at     INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'queued',
    UNIQUE(source_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_status ON change_events(status, detected_at);

CREATE TABLE IF NOT EXISTS processing_state (
    event_id   TEXT PRIMARY KEY REFERENCES change_events(id),
    stage      TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    failed     INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS extractions (
    event_id   TEXT PRIMARY KEY REFERENCES change_events(id),
    title      TEXT NOT NULL DEFAULT '',
    body       TEXT NOT NULL DEFAULT '',
    ocr        TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS digests (
    id                 TEXT PRIMARY KEY,
    event_id           TEXT NOT NULL UNIQUE REFERENCES change_events(id),
    source_id          TEXT NOT NULL,
    source_url         TEXT NOT NULL DEFAULT '',
    title              TEXT NOT NULL DEFAULT '',
    summary            TEXT NOT NULL DEFAULT '',
    target             TEXT NOT NULL DEFAULT '',
    application_method TEXT NOT NULL DEFAULT '',
    schedule           TEXT NOT NULL DEFAULT '[]',
    created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS delivery_records (
    digest_id  TEXT NOT NULL REFERENCES digests(id),
    recipient  TEXT NOT NULL,
    channel    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'pending',
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (digest_id, recipient, channel)
);
CREATE INDEX IF NOT EXISTS idx_delivery_status ON delivery_records(status, updated_at);
`
