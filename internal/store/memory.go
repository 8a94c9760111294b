package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/run"
	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string]*models.Workspace
	tasks      map[string]*models.Task
	runs       map[string]*run.AgentRun
	byExternal map[string]string // externalID -> runID
	messages   map[string][]*models.Message
	docs       map[string]*models.Doc
	links      map[string]*models.Link
	taskLinks  map[string][]*models.TaskLink
	tokens     map[string]*models.AccessToken
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]*models.Workspace),
		tasks:      make(map[string]*models.Task),
		runs:       make(map[string]*run.AgentRun),
		byExternal: make(map[string]string),
		messages:   make(map[string][]*models.Message),
		docs:       make(map[string]*models.Doc),
		links:      make(map[string]*models.Link),
		taskLinks:  make(map[string][]*models.TaskLink),
		tokens:     make(map[string]*models.AccessToken),
	}
}

// Workspaces

func (s *MemoryStore) CreateWorkspace(ctx context.Context, ws *models.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ws.CreatedAt = now
	ws.UpdatedAt = now
	cp := *ws
	s.workspaces[ws.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (s *MemoryStore) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*models.Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		cp := *ws
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Tasks

func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, workspaceID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Task
	for _, t := range s.tasks {
		if t.WorkspaceID == workspaceID && t.ParentID == "" {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListSubtasks(ctx context.Context, parentID string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Task
	for _, t := range s.tasks {
		if t.ParentID == parentID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Position < result[j].Position })
	return result, nil
}

func (s *MemoryStore) DeleteSubtasks(ctx context.Context, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.ParentID == parentID {
			delete(s.tasks, id)
		}
	}
	return nil
}

// Runs

func (s *MemoryStore) CreateRun(ctx context.Context, r *run.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	cp := *r
	s.runs[r.ID] = &cp
	if r.ExternalID != "" {
		s.byExternal[r.ExternalID] = r.ID
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, id string) (*run.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetRunByExternalID(ctx context.Context, externalID string) (*run.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.runs[id]
	return &cp, nil
}

func (s *MemoryStore) GetRunByPRNumber(ctx context.Context, prNumber int) (*run.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *run.AgentRun
	for _, r := range s.runs {
		if r.PRNumber == prNumber {
			if latest == nil || r.StartedAt.After(latest.StartedAt) {
				latest = r
			}
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListRunsByTask(ctx context.Context, taskID string) ([]*run.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*run.AgentRun
	for _, r := range s.runs {
		if r.TaskID == taskID {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

func (s *MemoryStore) SetRunExternalID(ctx context.Context, runID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.ExternalID = externalID
	s.byExternal[externalID] = runID
	return nil
}

func (s *MemoryStore) AdvanceRunState(ctx context.Context, runID string, u run.Update) (*run.AgentRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, false, ErrNotFound
	}
	advanced := run.Apply(r, u)
	cp := *r
	return &cp, advanced, nil
}

func (s *MemoryStore) AdvanceRunPRState(ctx context.Context, runID string, target v1.PRState) (*run.AgentRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, false, ErrNotFound
	}
	advanced := run.ApplyPRState(r, target)
	cp := *r
	return &cp, advanced, nil
}

func (s *MemoryStore) MarkSubtasksGenerated(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	if r.SubtasksGenerated {
		return false, nil
	}
	r.SubtasksGenerated = true
	return true, nil
}

// Context items

func (s *MemoryStore) CreateMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	cp := *m
	s.messages[m.TaskID] = append(s.messages[m.TaskID], &cp)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, taskID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[taskID]
	result := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		result[i] = &cp
	}
	return result, nil
}

func (s *MemoryStore) CreateDoc(ctx context.Context, d *models.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	s.docs[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDoc(ctx context.Context, id string) (*models.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDocs(ctx context.Context, workspaceID string) ([]*models.Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Doc
	for _, d := range s.docs {
		if d.WorkspaceID == workspaceID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) CreateLink(ctx context.Context, l *models.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now().UTC()
	cp := *l
	s.links[l.ID] = &cp
	return nil
}

func (s *MemoryStore) ListLinks(ctx context.Context, workspaceID string) ([]*models.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*models.Link
	for _, l := range s.links {
		if l.WorkspaceID == workspaceID {
			cp := *l
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) CreateTaskLink(ctx context.Context, tl *models.TaskLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tl.ID == "" {
		tl.ID = uuid.New().String()
	}
	cp := *tl
	s.taskLinks[tl.TaskID] = append(s.taskLinks[tl.TaskID], &cp)
	return nil
}

func (s *MemoryStore) ListTaskLinks(ctx context.Context, taskID string) ([]*models.TaskLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	links := s.taskLinks[taskID]
	result := make([]*models.TaskLink, len(links))
	for i, tl := range links {
		cp := *tl
		result[i] = &cp
	}
	return result, nil
}

// Tokens

func (s *MemoryStore) IssueToken(ctx context.Context, t *models.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range s.tokens {
		if existing.TaskID == t.TaskID && existing.RevokedAt == nil {
			revokedAt := now
			existing.RevokedAt = &revokedAt
		}
	}
	cp := *t
	s.tokens[t.Token] = &cp
	return nil
}

func (s *MemoryStore) GetToken(ctx context.Context, token string) (*models.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) TouchToken(ctx context.Context, token string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return ErrNotFound
	}
	t.LastUsedAt = &usedAt
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
