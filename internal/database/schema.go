package database

// Schema contains all SQL statements for creating tables and indexes
const Schema = `
-- API tokens: maps opaque bearer tokens to end users
CREATE TABLE IF NOT EXISTS api_tokens (
    token TEXT PRIMARY KEY,
    user_id INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

-- Provider credentials: one active row per (user, provider)
CREATE TABLE IF NOT EXISTS provider_credentials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    provider TEXT NOT NULL,

    access_token TEXT NOT NULL,
    refresh_token TEXT,
    token_secret TEXT,  -- OAuth1.0 access token secret
    scope TEXT,
    expires_at INTEGER, -- NULL for non-expiring OAuth1.0 credentials

    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    UNIQUE(user_id, provider)
);

-- Ephemeral OAuth state: created at redirect time, consumed exactly once
CREATE TABLE IF NOT EXISTS oauth_temp_tokens (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    provider TEXT NOT NULL,
    state TEXT NOT NULL,
    code_verifier TEXT,       -- PKCE
    oauth_token TEXT,         -- legacy OAuth1.0 request token
    oauth_token_secret TEXT,
    expires_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

-- Sync status: per-(user, provider) cursor and bookkeeping
CREATE TABLE IF NOT EXISTS sync_status (
    user_id INTEGER NOT NULL,
    provider TEXT NOT NULL,
    last_sync_at INTEGER,
    last_activity_date INTEGER, -- incremental cursor, unix seconds
    total_activities_synced INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'completed', -- completed | in_progress | error
    error_message TEXT,

    UNIQUE(user_id, provider)
);

-- Backfill requests: retry state machine rows
CREATE TABLE IF NOT EXISTS backfill_requests (
    id TEXT PRIMARY KEY, -- uuid
    user_id INTEGER NOT NULL,
    summary_type TEXT NOT NULL,
    period_start INTEGER NOT NULL,
    period_end INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending', -- pending | in_progress | completed | error
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    next_retry_at INTEGER,
    requested_at INTEGER NOT NULL,
    completed_at INTEGER,
    activities_processed INTEGER,
    error_message TEXT
);

-- Raw activities, one table per provider. Upsert key is
-- (user_id, provider_activity_id) so repeated deliveries stay idempotent.
CREATE TABLE IF NOT EXISTS strava_activities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    provider_activity_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    activity_type TEXT NOT NULL DEFAULT '',
    start_date INTEGER NOT NULL,
    distance REAL,
    moving_time INTEGER,
    elapsed_time INTEGER,
    average_speed REAL,
    max_speed REAL,
    average_heartrate REAL,
    max_heartrate REAL,
    calories REAL,
    elevation_gain REAL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    UNIQUE(user_id, provider_activity_id)
);

CREATE TABLE IF NOT EXISTS garmin_activities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    provider_activity_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    activity_type TEXT NOT NULL DEFAULT '',
    start_date INTEGER NOT NULL,
    distance REAL,
    moving_time INTEGER,
    elapsed_time INTEGER,
    average_speed REAL,
    max_speed REAL,
    average_heartrate REAL,
    max_heartrate REAL,
    calories REAL,
    elevation_gain REAL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    UNIQUE(user_id, provider_activity_id)
);

-- Derived training sessions: exactly one per source activity
CREATE TABLE IF NOT EXISTS training_sessions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    source TEXT NOT NULL,
    source_activity_id TEXT NOT NULL,
    session_date INTEGER NOT NULL,
    sport TEXT NOT NULL DEFAULT '',
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    distance REAL,
    performance_score REAL NOT NULL,
    created_at INTEGER NOT NULL,

    UNIQUE(user_id, source, source_activity_id)
);

-- Webhook events: raw log of deliveries, deduplicated per event key
CREATE TABLE IF NOT EXISTS webhook_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    provider TEXT NOT NULL,
    event_key TEXT NOT NULL,
    kind TEXT NOT NULL,
    raw_json TEXT NOT NULL,
    received_at INTEGER NOT NULL,

    UNIQUE(provider, event_key)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_credentials_access_token ON provider_credentials(access_token);
CREATE INDEX IF NOT EXISTS idx_temp_tokens_provider ON oauth_temp_tokens(provider, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_backfill_user ON backfill_requests(user_id);
CREATE INDEX IF NOT EXISTS idx_backfill_status ON backfill_requests(status, requested_at);
CREATE INDEX IF NOT EXISTS idx_backfill_retry ON backfill_requests(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_strava_activities_user_start ON strava_activities(user_id, start_date DESC);
CREATE INDEX IF NOT EXISTS idx_garmin_activities_user_start ON garmin_activities(user_id, start_date DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON training_sessions(user_id, session_date DESC);
CREATE INDEX IF NOT EXISTS idx_webhook_events_received ON webhook_events(received_at DESC);
`
