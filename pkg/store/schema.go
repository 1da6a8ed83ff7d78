package store

// schemaStatements is executed in order by Migrate. The DDL is restricted to
// the subset Postgres and SQLite share; timestamps are fixed-width UTC text.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS applications (
		arn TEXT PRIMARY KEY,
		authority_id TEXT NOT NULL,
		service_key TEXT NOT NULL,
		applicant_id TEXT NOT NULL,
		current_state TEXT NOT NULL,
		disposal TEXT NOT NULL DEFAULT '',
		disposed_at TEXT,
		payload TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		arn TEXT NOT NULL,
		state_id TEXT NOT NULL,
		required_role TEXT NOT NULL,
		assigned_to TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		sla_due_at TEXT NOT NULL,
		remarks TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	// Backstop for the one-open-task invariant; the executor enforces it by
	// construction inside its transaction.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_single_open
		ON tasks (arn) WHERE status IN ('PENDING', 'IN_PROGRESS')`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (status, sla_due_at)`,
	`CREATE TABLE IF NOT EXISTS queries (
		id TEXT PRIMARY KEY,
		arn TEXT NOT NULL,
		message TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		raised_by_id TEXT NOT NULL,
		raised_by_role TEXT NOT NULL,
		resume_state_id TEXT NOT NULL,
		resume_sla_days INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		responded_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queries_open ON queries (arn, status)`,
	// Singleton row serializing chain appends. Locking the newest event row
	// does not order concurrent inserts on Postgres (and there is nothing to
	// lock while the table is empty), so appenders lock this row instead.
	`CREATE TABLE IF NOT EXISTS audit_chain_head (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		seq INTEGER NOT NULL,
		tail_hash TEXT NOT NULL
	)`,
	`INSERT INTO audit_chain_head (id, seq, tail_hash)
		VALUES (1, 0, 'genesis')
		ON CONFLICT (id) DO NOTHING`,
	`CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		arn TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		payload TEXT,
		hash_version INTEGER NOT NULL,
		prev_event_hash TEXT NOT NULL,
		event_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_arn ON audit_events (arn, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_events (task_id, event_type)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		arn TEXT NOT NULL,
		recipient TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS holidays (
		authority_id TEXT NOT NULL,
		day TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (authority_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS officer_postings (
		officer_id TEXT NOT NULL,
		authority_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (officer_id, authority_id, role)
	)`,
}
