package protocol

// SchemaDDL defines the SQLite schema for the personad engine database.
// Tables: personas, triggers, executions, events, subscriptions, issues,
// memories, messages, reviews.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Personas mirrored from the YAML registry for status queries
CREATE TABLE IF NOT EXISTS personas (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    max_concurrent INTEGER NOT NULL DEFAULT 1,
    timeout_ms INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Trigger definitions; next_fire_at is advanced only by the scheduler
CREATE TABLE IF NOT EXISTS triggers (
    id TEXT PRIMARY KEY,
    persona_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    config TEXT NOT NULL DEFAULT '{}',
    enabled INTEGER NOT NULL DEFAULT 1,
    next_fire_at TEXT
);

-- One row per run of a persona
CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    persona_id TEXT NOT NULL,
    trigger_id TEXT,
    status TEXT NOT NULL,
    started_at TEXT NOT NULL,
    ended_at TEXT,
    exit_code INTEGER,
    output TEXT NOT NULL DEFAULT '',
    tool_steps TEXT NOT NULL DEFAULT '[]',
    cost_usd REAL NOT NULL DEFAULT 0,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    model TEXT,
    session_id TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    flows TEXT,
    retry_of TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_executions_persona
    ON executions (persona_id, started_at DESC);

-- Append-only event log; doubles as the engine's durable logging
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    source_type TEXT NOT NULL,
    source_id TEXT,
    target_persona_id TEXT,
    payload TEXT NOT NULL DEFAULT '{}',
    hops INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_type_created
    ON events (event_type, created_at DESC);

-- Event subscriptions; written by configuration, read by the bus
CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    persona_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    source_filter TEXT,
    enabled INTEGER NOT NULL DEFAULT 1
);

-- Healing issues; at most one open issue per execution
CREATE TABLE IF NOT EXISTS issues (
    id TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL,
    persona_id TEXT NOT NULL,
    category TEXT NOT NULL,
    severity TEXT NOT NULL,
    title TEXT NOT NULL,
    detail TEXT,
    suggested_fix TEXT,
    auto_fixed INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    resolved INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_issues_open_execution
    ON issues (execution_id) WHERE resolved = 0;

-- Learnings reported via agent_memory protocol messages
CREATE TABLE IF NOT EXISTS memories (
    id INTEGER PRIMARY KEY,
    persona_id TEXT NOT NULL,
    execution_id TEXT,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    category TEXT,
    importance INTEGER,
    tags TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- User-facing notifications from user_message protocol messages
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY,
    persona_id TEXT NOT NULL,
    execution_id TEXT,
    title TEXT,
    content TEXT NOT NULL,
    content_type TEXT,
    priority TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Human-attention requests from manual_review protocol messages
CREATE TABLE IF NOT EXISTS reviews (
    id INTEGER PRIMARY KEY,
    persona_id TEXT NOT NULL,
    execution_id TEXT,
    title TEXT NOT NULL,
    description TEXT,
    severity TEXT,
    context_data TEXT,
    suggested_actions TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
