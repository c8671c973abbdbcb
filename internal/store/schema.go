package store

import (
	"strings"

	"go.uber.org/zap"
)

// initSchema creates all tables if they don't exist, then applies
// idempotent migrations.
func (s *Store) initSchema() error {
	if err := s.initProcessSchema(); err != nil {
		return err
	}
	if err := s.initUserSchema(); err != nil {
		return err
	}
	if err := s.initMemorySchema(); err != nil {
		return err
	}
	if err := s.initSchedulerSchema(); err != nil {
		return err
	}
	if err := s.initWebhookSchema(); err != nil {
		return err
	}
	if err := s.initAuditSchema(); err != nil {
		return err
	}
	return s.runMigrations()
}

func (s *Store) initProcessSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS processes (
		pid INTEGER PRIMARY KEY,
		uid TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		goal TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'created',
		phase TEXT NOT NULL DEFAULT 'idle',
		step INTEGER NOT NULL DEFAULT 0,
		max_steps INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER,
		env TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		exited_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_processes_uid ON processes(uid);
	CREATE INDEX IF NOT EXISTS idx_processes_state ON processes(state);

	CREATE TABLE IF NOT EXISTS agent_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pid INTEGER NOT NULL,
		step INTEGER NOT NULL DEFAULT 0,
		phase TEXT NOT NULL DEFAULT 'system',
		tool TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_logs_pid ON agent_logs(pid, id);

	CREATE TABLE IF NOT EXISTS files (
		path TEXT NOT NULL,
		owner_uid TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		file_type TEXT NOT NULL DEFAULT 'file',
		created_at INTEGER NOT NULL,
		modified_at INTEGER NOT NULL,
		PRIMARY KEY (owner_uid, path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_owner ON files(owner_uid);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		file_path TEXT NOT NULL DEFAULT '',
		tarball_path TEXT NOT NULL DEFAULT '',
		process_info TEXT NOT NULL DEFAULT '{}',
		size_bytes INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_pid ON snapshots(pid, timestamp DESC);

	CREATE TABLE IF NOT EXISTS kernel_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		process_count INTEGER NOT NULL DEFAULT 0,
		cpu_percent REAL NOT NULL DEFAULT 0,
		memory_mb REAL NOT NULL DEFAULT 0,
		container_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_kernel_metrics_ts ON kernel_metrics(timestamp);
	`)
	return err
}

func (s *Store) initUserSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at INTEGER NOT NULL,
		last_login INTEGER,
		mfa_secret TEXT NOT NULL DEFAULT '',
		mfa_enabled INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (org_id) REFERENCES organizations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_teams_org ON teams(org_id);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		joined_at INTEGER NOT NULL,
		UNIQUE(parent_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_members_parent ON members(parent_id);
	CREATE INDEX IF NOT EXISTS idx_members_user ON members(user_id);

	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '*',
		effect TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_policies_subject ON policies(subject);
	`)
	return err
}

func (s *Store) initMemorySchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		agent_uid TEXT NOT NULL,
		layer TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		importance REAL NOT NULL DEFAULT 0.5,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		expires_at INTEGER,
		source_pid INTEGER,
		related TEXT NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_memories_agent_layer ON memories(agent_uid, layer);
	CREATE INDEX IF NOT EXISTS idx_memories_expires ON memories(expires_at);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		agent_uid TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		tree TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_plans_agent ON plans(agent_uid);
	CREATE INDEX IF NOT EXISTS idx_plans_pid ON plans(pid);

	CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		agent_uid TEXT NOT NULL,
		rating INTEGER NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_agent ON feedback(agent_uid);

	CREATE TABLE IF NOT EXISTS reflections (
		id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		agent_uid TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reflections_agent ON reflections(agent_uid);

	CREATE TABLE IF NOT EXISTS kv (
		uid TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (uid, key)
	);
	`)
	if err != nil {
		return err
	}
	return s.initMemoryFTS()
}

// initMemoryFTS creates the full-text index over memory content. The
// sqlite3 driver only ships FTS5 when built with -tags sqlite_fts5;
// without it the index is skipped and search degrades to a LIKE scan.
func (s *Store) initMemoryFTS() error {
	_, err := s.db.Exec(`
	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		content='memories',
		content_rowid='rowid'
	);

	CREATE TRIGGER IF NOT EXISTS memories_fts_insert AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_fts_delete AFTER DELETE ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
	END;
	CREATE TRIGGER IF NOT EXISTS memories_fts_update AFTER UPDATE OF content ON memories BEGIN
		INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
	END;
	`)
	if err != nil {
		if strings.Contains(err.Error(), "fts5") {
			s.logger.Warn("FTS5 unavailable, memory search degrades to LIKE matching",
				zap.Error(err))
			return nil
		}
		return err
	}
	s.ftsEnabled = true
	return nil
}

func (s *Store) initSchedulerSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS cron_jobs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		agent_config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		owner_uid TEXT NOT NULL,
		last_run INTEGER,
		next_run INTEGER NOT NULL DEFAULT 0,
		run_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cron_jobs_owner ON cron_jobs(owner_uid);
	CREATE INDEX IF NOT EXISTS idx_cron_jobs_next ON cron_jobs(enabled, next_run);

	CREATE TABLE IF NOT EXISTS event_triggers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_filter TEXT NOT NULL DEFAULT '',
		agent_config TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		owner_uid TEXT NOT NULL,
		cooldown_ms INTEGER NOT NULL DEFAULT 0,
		last_fired INTEGER,
		fire_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_event_triggers_owner ON event_triggers(owner_uid);
	CREATE INDEX IF NOT EXISTS idx_event_triggers_type ON event_triggers(enabled, event_type);
	`)
	return err
}

func (s *Store) initWebhookSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		secret TEXT NOT NULL DEFAULT '',
		events TEXT NOT NULL DEFAULT '[]',
		filters TEXT NOT NULL DEFAULT '{}',
		headers TEXT NOT NULL DEFAULT '{}',
		enabled INTEGER NOT NULL DEFAULT 1,
		owner_uid TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 3,
		timeout_ms INTEGER NOT NULL DEFAULT 10000,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhooks_owner ON webhooks(owner_uid);

	CREATE TABLE IF NOT EXISTS inbound_webhooks (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		agent_config TEXT NOT NULL DEFAULT '{}',
		transform TEXT NOT NULL DEFAULT '',
		owner_uid TEXT NOT NULL,
		last_triggered INTEGER,
		trigger_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS webhook_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		webhook_id TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		status_code INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_logs_webhook ON webhook_logs(webhook_id, id DESC);

	CREATE TABLE IF NOT EXISTS webhook_dlq (
		id TEXT PRIMARY KEY,
		webhook_id TEXT NOT NULL,
		event_type TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_dlq_webhook ON webhook_dlq(webhook_id);
	`)
	return err
}

func (s *Store) initAuditSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		actor_pid INTEGER,
		actor_uid TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT '',
		args_sanitized TEXT NOT NULL DEFAULT '',
		result_hash TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_uid);
	CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_log(event_type);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema
// evolution. Errors from already-applied migrations are ignored.
func (s *Store) runMigrations() error {
	_, _ = s.db.Exec(`ALTER TABLE processes ADD COLUMN tty_id TEXT DEFAULT ''`)
	_, _ = s.db.Exec(`ALTER TABLE processes ADD COLUMN vnc_ws_url TEXT DEFAULT ''`)
	return nil
}
