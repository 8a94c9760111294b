package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/crewdeck/crewdeck/internal/run"
	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// SQLStore implements Store on sqlx. Queries are written with ? placeholders
// and rebound per driver, so the same statements run on SQLite and Postgres.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

func (s *SQLStore) q(query string) string {
	return s.db.Rebind(query)
}

// Close closes the database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

// Workspaces

func (s *SQLStore) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO workspaces (id, name, repo_owner, repo_name, repo_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), ws.ID, ws.Name, ws.RepoOwner, ws.RepoName, ws.RepoURL, ws.CreatedAt, ws.UpdatedAt)
	return err
}

func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	ws := &models.Workspace{}
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, repo_owner, repo_name, repo_url, created_at, updated_at
		FROM workspaces WHERE id = ?
	`), id).Scan(&ws.ID, &ws.Name, &ws.RepoOwner, &ws.RepoName, &ws.RepoURL, &ws.CreatedAt, &ws.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (s *SQLStore) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, repo_owner, repo_name, repo_url, created_at, updated_at
		FROM workspaces ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Workspace
	for rows.Next() {
		ws := &models.Workspace{}
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.RepoOwner, &ws.RepoName, &ws.RepoURL, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, ws)
	}
	return result, rows.Err()
}

// Tasks

const taskColumns = `id, workspace_id, parent_id, title, description, prompt, status, assignee, position,
	plan, plan_status, planning_run_id, implementation_run_id, created_at, updated_at, completed_at`

func (s *SQLStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), task.ID, task.WorkspaceID, task.ParentID, task.Title, task.Description, task.Prompt,
		task.Status, task.Assignee, task.Position, task.Plan, task.PlanStatus,
		task.PlanningRunID, task.ImplementationRunID, task.CreatedAt, task.UpdatedAt, task.CompletedAt)
	return err
}

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	task := &models.Task{}
	err := row.Scan(&task.ID, &task.WorkspaceID, &task.ParentID, &task.Title, &task.Description,
		&task.Prompt, &task.Status, &task.Assignee, &task.Position, &task.Plan, &task.PlanStatus,
		&task.PlanningRunID, &task.ImplementationRunID, &task.CreatedAt, &task.UpdatedAt, &task.CompletedAt)
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *SQLStore) UpdateTask(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tasks SET title = ?, description = ?, prompt = ?, status = ?, assignee = ?,
			position = ?, plan = ?, plan_status = ?, planning_run_id = ?,
			implementation_run_id = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`), task.Title, task.Description, task.Prompt, task.Status, task.Assignee,
		task.Position, task.Plan, task.PlanStatus, task.PlanningRunID,
		task.ImplementationRunID, task.UpdatedAt, task.CompletedAt, task.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) listTasks(ctx context.Context, query string, arg string) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, task)
	}
	return result, rows.Err()
}

func (s *SQLStore) ListTasks(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workspace_id = ? AND parent_id = '' ORDER BY created_at`, workspaceID)
}

func (s *SQLStore) ListSubtasks(ctx context.Context, parentID string) ([]*models.Task, error) {
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id = ? ORDER BY position`, parentID)
}

func (s *SQLStore) DeleteSubtasks(ctx context.Context, parentID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE parent_id = ?`), parentID)
	return err
}

// Runs

const runColumns = `id, task_id, workspace_id, backend, purpose, external_id, state,
	pr_url, pr_number, pr_state, summary, error_message, subtasks_generated, started_at, finished_at`

func (s *SQLStore) CreateRun(ctx context.Context, r *run.AgentRun) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.TaskID, r.WorkspaceID, r.Backend, r.Purpose, r.ExternalID, r.State,
		r.PRURL, r.PRNumber, r.PRState, r.Summary, r.ErrorMessage, r.SubtasksGenerated,
		r.StartedAt, r.FinishedAt)
	return err
}

func scanRun(row interface{ Scan(...interface{}) error }) (*run.AgentRun, error) {
	r := &run.AgentRun{}
	err := row.Scan(&r.ID, &r.TaskID, &r.WorkspaceID, &r.Backend, &r.Purpose, &r.ExternalID,
		&r.State, &r.PRURL, &r.PRNumber, &r.PRState, &r.Summary, &r.ErrorMessage,
		&r.SubtasksGenerated, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLStore) getRun(ctx context.Context, query string, arg interface{}) (*run.AgentRun, error) {
	row := s.db.QueryRowContext(ctx, s.q(query), arg)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*run.AgentRun, error) {
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
}

func (s *SQLStore) GetRunByExternalID(ctx context.Context, externalID string) (*run.AgentRun, error) {
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE external_id = ?`, externalID)
}

func (s *SQLStore) GetRunByPRNumber(ctx context.Context, prNumber int) (*run.AgentRun, error) {
	return s.getRun(ctx, `SELECT `+runColumns+` FROM runs WHERE pr_number = ? ORDER BY started_at DESC LIMIT 1`, prNumber)
}

func (s *SQLStore) ListRunsByTask(ctx context.Context, taskID string) ([]*run.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY started_at`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*run.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLStore) SetRunExternalID(ctx context.Context, runID, externalID string) error {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE runs SET external_id = ? WHERE id = ?`), externalID, runID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// priorStates returns the states a run may be in for a transition to target
// to advance it.
func priorStates(target v1.RunState) []v1.RunState {
	var prior []v1.RunState
	for _, st := range []v1.RunState{v1.RunStateCreating, v1.RunStateRunning, v1.RunStateFinished, v1.RunStateFailed} {
		if st.Rank() < target.Rank() {
			prior = append(prior, st)
		}
	}
	return prior
}

// AdvanceRunState applies u with a guarded UPDATE whose state predicate is
// the compare-and-set that keeps out-of-order webhook deliveries from
// regressing a run past running or a terminal state.
func (s *SQLStore) AdvanceRunState(ctx context.Context, runID string, u run.Update) (*run.AgentRun, bool, error) {
	prior := priorStates(u.State)
	if len(prior) == 0 {
		r, err := s.GetRun(ctx, runID)
		return r, false, err
	}

	marks := make([]string, len(prior))
	for i := range prior {
		marks[i] = "?"
	}

	var finishedAt interface{}
	if u.State.Terminal() {
		finishedAt = time.Now().UTC()
	}

	var prState string
	if u.PRURL != "" {
		prState = string(v1.PRStateOpen)
	}

	args := []interface{}{
		string(u.State),
		u.Summary, u.Summary,
		u.ErrorMessage, u.ErrorMessage,
		u.PRURL, u.PRURL,
		prState, prState,
		u.PRNumber, u.PRNumber,
		finishedAt,
		runID,
	}
	for _, st := range prior {
		args = append(args, string(st))
	}

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET
			state = ?,
			summary = CASE WHEN ? = '' THEN summary ELSE ? END,
			error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
			pr_url = CASE WHEN ? = '' THEN pr_url ELSE ? END,
			pr_state = CASE WHEN ? = '' THEN pr_state ELSE ? END,
			pr_number = CASE WHEN ? = 0 THEN pr_number ELSE ? END,
			finished_at = COALESCE(?, finished_at)
		WHERE id = ? AND state IN (`+strings.Join(marks, ", ")+`)
	`), args...)
	if err != nil {
		return nil, false, err
	}

	affected, _ := result.RowsAffected()
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	return r, affected > 0, nil
}

// AdvanceRunPRState moves the run's PR to merged or closed. A PR never
// reopens, and close-before-open deliveries settle on closed.
func (s *SQLStore) AdvanceRunPRState(ctx context.Context, runID string, target v1.PRState) (*run.AgentRun, bool, error) {
	if target != v1.PRStateMerged && target != v1.PRStateClosed {
		r, err := s.GetRun(ctx, runID)
		return r, false, err
	}

	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET pr_state = ? WHERE id = ? AND pr_state IN ('open', '')
	`), string(target), runID)
	if err != nil {
		return nil, false, err
	}

	affected, _ := result.RowsAffected()
	r, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, false, err
	}
	return r, affected > 0, nil
}

// MarkSubtasksGenerated flips the run's one-shot sub-task flag. Only the
// first caller per run gets true, which dedupes redelivered finish events.
func (s *SQLStore) MarkSubtasksGenerated(ctx context.Context, runID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs SET subtasks_generated = ? WHERE id = ? AND subtasks_generated = ?
	`), true, runID, false)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

// Context items

func (s *SQLStore) CreateMessage(ctx context.Context, m *models.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO messages (id, task_id, author, body, created_at) VALUES (?, ?, ?, ?, ?)
	`), m.ID, m.TaskID, m.Author, m.Body, m.CreatedAt)
	return err
}

func (s *SQLStore) ListMessages(ctx context.Context, taskID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, task_id, author, body, created_at FROM messages WHERE task_id = ? ORDER BY created_at
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		m := &models.Message{}
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Author, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *SQLStore) CreateDoc(ctx context.Context, d *models.Doc) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO docs (id, workspace_id, title, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), d.ID, d.WorkspaceID, d.Title, d.Content, d.CreatedAt, d.UpdatedAt)
	return err
}

func (s *SQLStore) GetDoc(ctx context.Context, id string) (*models.Doc, error) {
	d := &models.Doc{}
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, workspace_id, title, content, created_at, updated_at FROM docs WHERE id = ?
	`), id).Scan(&d.ID, &d.WorkspaceID, &d.Title, &d.Content, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLStore) ListDocs(ctx context.Context, workspaceID string) ([]*models.Doc, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, workspace_id, title, content, created_at, updated_at
		FROM docs WHERE workspace_id = ? ORDER BY created_at
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Doc
	for rows.Next() {
		d := &models.Doc{}
		if err := rows.Scan(&d.ID, &d.WorkspaceID, &d.Title, &d.Content, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *SQLStore) CreateLink(ctx context.Context, l *models.Link) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO links (id, workspace_id, title, url, created_at) VALUES (?, ?, ?, ?, ?)
	`), l.ID, l.WorkspaceID, l.Title, l.URL, l.CreatedAt)
	return err
}

func (s *SQLStore) ListLinks(ctx context.Context, workspaceID string) ([]*models.Link, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, workspace_id, title, url, created_at FROM links WHERE workspace_id = ? ORDER BY created_at
	`), workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.Link
	for rows.Next() {
		l := &models.Link{}
		if err := rows.Scan(&l.ID, &l.WorkspaceID, &l.Title, &l.URL, &l.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (s *SQLStore) CreateTaskLink(ctx context.Context, tl *models.TaskLink) error {
	if tl.ID == "" {
		tl.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO task_links (id, task_id, item_type, item_id, score) VALUES (?, ?, ?, ?, ?)
	`), tl.ID, tl.TaskID, tl.ItemType, tl.ItemID, tl.Score)
	return err
}

func (s *SQLStore) ListTaskLinks(ctx context.Context, taskID string) ([]*models.TaskLink, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, task_id, item_type, item_id, score FROM task_links WHERE task_id = ?
	`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*models.TaskLink
	for rows.Next() {
		tl := &models.TaskLink{}
		if err := rows.Scan(&tl.ID, &tl.TaskID, &tl.ItemType, &tl.ItemID, &tl.Score); err != nil {
			return nil, err
		}
		result = append(result, tl)
	}
	return result, rows.Err()
}

// Tokens

// IssueToken stores t and revokes every prior unrevoked token for the same
// task in the same transaction.
func (s *SQLStore) IssueToken(ctx context.Context, t *models.AccessToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE tokens SET revoked_at = ? WHERE task_id = ? AND revoked_at IS NULL
	`), now, t.TaskID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO tokens (token, task_id, workspace_id, issued_at, expires_at, revoked_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), t.Token, t.TaskID, t.WorkspaceID, t.IssuedAt, t.ExpiresAt, t.RevokedAt, t.LastUsedAt); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLStore) GetToken(ctx context.Context, token string) (*models.AccessToken, error) {
	t := &models.AccessToken{}
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT token, task_id, workspace_id, issued_at, expires_at, revoked_at, last_used_at
		FROM tokens WHERE token = ?
	`), token).Scan(&t.Token, &t.TaskID, &t.WorkspaceID, &t.IssuedAt, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLStore) TouchToken(ctx context.Context, token string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE tokens SET last_used_at = ? WHERE token = ?`), usedAt, token)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
