package db

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id              TEXT PRIMARY KEY,
    external_id     TEXT UNIQUE NOT NULL,
    profile         TEXT DEFAULT '{}',
    created_at      DATETIME DEFAULT (datetime('now')),
    updated_at      DATETIME DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS operators (
    id              TEXT PRIMARY KEY,
    handle          TEXT UNIQUE NOT NULL,
    password_hash   TEXT NOT NULL,
    role            TEXT DEFAULT 'operator' CHECK(role IN ('operator','admin')),
    created_at      DATETIME DEFAULT (datetime('now')),
    last_seen_at    DATETIME
);

-- Policy versions form a lineage DAG via parent_id. Rows are immutable once
-- inserted except for the is_active flag, which is flipped only by the
-- activation transaction.
CREATE TABLE IF NOT EXISTS policy_versions (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT 'default',
    parent_id       TEXT REFERENCES policy_versions(id),
    ruleset         TEXT NOT NULL,
    created_by      TEXT,
    label           TEXT,
    is_active       INTEGER NOT NULL DEFAULT 0 CHECK(is_active IN (0, 1)),
    created_at      DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_policy_versions_name ON policy_versions(name);
CREATE INDEX IF NOT EXISTS idx_policy_versions_parent ON policy_versions(parent_id);
-- Storage-level backstop for the single-active invariant: at most one active
-- version per lineage, whatever the application layer does.
CREATE UNIQUE INDEX IF NOT EXISTS idx_policy_versions_one_active
    ON policy_versions(name) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS self_prompts (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL DEFAULT 'default',
    prompt          TEXT NOT NULL,
    created_by      TEXT,
    is_active       INTEGER NOT NULL DEFAULT 0 CHECK(is_active IN (0, 1)),
    created_at      DATETIME DEFAULT (datetime('now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_self_prompts_one_active
    ON self_prompts(name) WHERE is_active = 1;

CREATE TABLE IF NOT EXISTS user_policy_overlays (
    id                TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    base_version_id   TEXT NOT NULL REFERENCES policy_versions(id),
    routing_override  TEXT DEFAULT '{}',
    tool_override     TEXT DEFAULT '{}',
    is_active         INTEGER NOT NULL DEFAULT 0 CHECK(is_active IN (0, 1)),
    created_at        DATETIME DEFAULT (datetime('now')),
    updated_at        DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_overlays_user ON user_policy_overlays(user_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_overlays_one_active
    ON user_policy_overlays(user_id) WHERE is_active = 1;

-- Traces are append-only. The only permitted update is the feedback merge.
CREATE TABLE IF NOT EXISTS traces (
    id                TEXT PRIMARY KEY,
    session_id        TEXT NOT NULL,
    task_id           TEXT NOT NULL,
    task_type         TEXT DEFAULT 'chat',
    domain            TEXT DEFAULT 'general',
    input_text        TEXT NOT NULL,
    output_text       TEXT NOT NULL,
    metadata          TEXT DEFAULT '{}',
    policy_version_id TEXT NOT NULL REFERENCES policy_versions(id),
    self_prompt_id    TEXT NOT NULL REFERENCES self_prompts(id),
    user_feedback     TEXT DEFAULT '{}',
    user_id           TEXT REFERENCES users(id) ON DELETE SET NULL,
    created_at        DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_traces_user ON traces(user_id) WHERE user_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_traces_version ON traces(policy_version_id);
CREATE INDEX IF NOT EXISTS idx_traces_time ON traces(created_at);
CREATE INDEX IF NOT EXISTS idx_traces_session ON traces(session_id);

CREATE TABLE IF NOT EXISTS proposals (
    id                TEXT PRIMARY KEY,
    created_by        TEXT,
    proposal_type     TEXT NOT NULL CHECK(proposal_type IN ('policy_patch','new_policy','prompt_patch')),
    lineage           TEXT NOT NULL DEFAULT 'default',
    payload           TEXT NOT NULL,
    rationale         TEXT,
    status            TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','accepted','rejected')),
    safety_checked_at DATETIME,
    safety_verdict    TEXT,
    final_version_id  TEXT,
    created_at        DATETIME DEFAULT (datetime('now')),
    decided_at        DATETIME
);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_proposals_lineage ON proposals(lineage);

CREATE TABLE IF NOT EXISTS experiments (
    id                TEXT PRIMARY KEY,
    proposal_id       TEXT NOT NULL REFERENCES proposals(id),
    lineage           TEXT NOT NULL DEFAULT 'default',
    baseline_id       TEXT NOT NULL REFERENCES policy_versions(id),
    candidate_id      TEXT NOT NULL REFERENCES policy_versions(id),
    status            TEXT NOT NULL DEFAULT 'running' CHECK(status IN ('running','completed','aborted')),
    result_summary    TEXT,
    created_at        DATETIME DEFAULT (datetime('now')),
    finished_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status) WHERE status = 'running';
-- Mutual exclusion: one live experiment per lineage. 'open' fails rather
-- than blocks when this trips.
CREATE UNIQUE INDEX IF NOT EXISTS idx_experiments_one_running
    ON experiments(lineage) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS experiment_runs (
    id              TEXT PRIMARY KEY,
    experiment_id   TEXT NOT NULL REFERENCES experiments(id),
    trace_id        TEXT NOT NULL REFERENCES traces(id),
    score           REAL NOT NULL,
    safety_ok       INTEGER NOT NULL DEFAULT 1 CHECK(safety_ok IN (0, 1)),
    created_at      DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_runs_experiment ON experiment_runs(experiment_id);
CREATE INDEX IF NOT EXISTS idx_runs_trace ON experiment_runs(trace_id);

-- Pattern lists consulted by the built-in safety gate.
CREATE TABLE IF NOT EXISTS safety_patterns (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    pattern         TEXT NOT NULL,
    pattern_type    TEXT NOT NULL CHECK(pattern_type IN ('exact','substring','regex')),
    list_type       TEXT NOT NULL DEFAULT 'block' CHECK(list_type IN ('block','flag')),
    severity        TEXT NOT NULL DEFAULT 'medium' CHECK(severity IN ('info','low','medium','high','critical')),
    description     TEXT,
    created_by      TEXT,
    created_at      DATETIME DEFAULT (datetime('now'))
);

-- Read-only SQL reports served through the MCP run_report tool.
CREATE TABLE IF NOT EXISTS report_registry (
    report_name     TEXT PRIMARY KEY,
    category        TEXT NOT NULL,
    description     TEXT NOT NULL,
    input_schema    TEXT NOT NULL,
    query           TEXT NOT NULL,
    params          TEXT DEFAULT '[]',
    result_format   TEXT NOT NULL DEFAULT 'array' CHECK(result_format IN ('array','object')),
    is_active       INTEGER NOT NULL DEFAULT 1 CHECK(is_active IN (0, 1)),
    created_at      INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_reports_active ON report_registry(is_active);
`
