package store

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const driverPostgres = "pgx"

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	repo_owner TEXT DEFAULT '',
	repo_name TEXT DEFAULT '',
	repo_url TEXT DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	parent_id TEXT DEFAULT '',
	title TEXT NOT NULL,
	description TEXT DEFAULT '',
	prompt TEXT DEFAULT '',
	status TEXT DEFAULT 'todo',
	assignee TEXT DEFAULT 'user',
	position INTEGER DEFAULT 0,
	plan TEXT DEFAULT '',
	plan_status TEXT DEFAULT 'pending',
	planning_run_id TEXT DEFAULT '',
	implementation_run_id TEXT DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	backend TEXT NOT NULL,
	purpose TEXT NOT NULL,
	external_id TEXT DEFAULT '',
	state TEXT NOT NULL,
	pr_url TEXT DEFAULT '',
	pr_number INTEGER DEFAULT 0,
	pr_state TEXT DEFAULT '',
	summary TEXT DEFAULT '',
	error_message TEXT DEFAULT '',
	subtasks_generated BOOLEAN DEFAULT FALSE,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	author TEXT DEFAULT '',
	body TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS docs (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	title TEXT NOT NULL,
	content TEXT DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS links (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	title TEXT DEFAULT '',
	url TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS task_links (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	item_type TEXT NOT NULL,
	item_id TEXT NOT NULL,
	score INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tokens (
	token TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_workspace_id ON tasks(workspace_id);
CREATE INDEX IF NOT EXISTS idx_tasks_parent_id ON tasks(parent_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_external_id ON runs(external_id) WHERE external_id != '';
CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_pr_number ON runs(pr_number);
CREATE INDEX IF NOT EXISTS idx_messages_task_id ON messages(task_id);
CREATE INDEX IF NOT EXISTS idx_tokens_task_id ON tokens(task_id);
`

// NewPostgresStore opens a PostgreSQL database through the pgx stdlib driver
// and initializes the schema.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLStore{db: db}, nil
}
