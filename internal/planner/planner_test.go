package planner

import (
	"context"
	"testing"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/jobs"
	"github.com/crewdeck/crewdeck/internal/llm"
	"github.com/crewdeck/crewdeck/internal/run"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

type fakeDispatcher struct {
	name  v1.RunBackend
	res   *backend.Result
	err   error
	calls int
}

func (d *fakeDispatcher) Name() v1.RunBackend { return d.name }

func (d *fakeDispatcher) Dispatch(_ context.Context, _ *models.Task, _ v1.RunPurpose) (*backend.Result, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.res, nil
}

func newPlanner(gen llm.Generator, dispatchers ...backend.Dispatcher) (*Planner, *store.MemoryStore, *jobs.MemoryQueue) {
	s := store.NewMemoryStore()
	q := jobs.NewMemoryQueue()
	return New(s, gen, dispatchers, q, nil, logger.NewNop()), s, q
}

func seedTask(t *testing.T, s *store.MemoryStore, task *models.Task) *models.Task {
	t.Helper()
	if task.WorkspaceID == "" {
		task.WorkspaceID = "ws-1"
	}
	if task.Status == "" {
		task.Status = v1.TaskStatusTodo
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func seedRun(t *testing.T, s *store.MemoryStore, task *models.Task) *run.AgentRun {
	t.Helper()
	r := run.New(task.ID, task.WorkspaceID, v1.RunBackendHosted, v1.RunPurposePlanning)
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return r
}

func TestPlanTaskHostedDispatchLeavesPlanPending(t *testing.T) {
	hosted := &fakeDispatcher{name: v1.RunBackendHosted, res: &backend.Result{ExternalID: "job-9"}}
	p, s, q := newPlanner(llm.NewFakeGenerator("ignored"), hosted)
	ctx := context.Background()

	task := seedTask(t, s, &models.Task{Title: "Add retries", Description: "retry transient failures"})

	if err := p.PlanTask(ctx, task.ID, false); err != nil {
		t.Fatalf("PlanTask failed: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.PlanStatus != v1.PlanStatusGenerating {
		t.Errorf("expected plan generating while hosted run is in flight, got %s", got.PlanStatus)
	}
	if got.PlanningRunID == "" {
		t.Fatal("expected a planning run pointer")
	}

	r, err := s.GetRunByExternalID(ctx, "job-9")
	if err != nil {
		t.Fatalf("run not correlatable by external id: %v", err)
	}
	if r.ID != got.PlanningRunID {
		t.Errorf("planning run pointer %s does not match dispatched run %s", got.PlanningRunID, r.ID)
	}

	// The plan arrives via webhook, so nothing may be enqueued yet.
	if n := len(q.Enqueued(jobs.KindGenerateSubtasks)); n != 0 {
		t.Errorf("hosted dispatch must not enqueue sub-task generation, got %d", n)
	}
}

func TestPlanTaskFallsBackToSandbox(t *testing.T) {
	hosted := &fakeDispatcher{name: v1.RunBackendHosted, err: errors.BackendUnavailable("hosted", nil)}
	sandbox := &fakeDispatcher{name: v1.RunBackendSandbox, res: &backend.Result{ExternalID: "c-1", Completed: true, Output: "the plan"}}
	p, s, q := newPlanner(llm.NewFakeGenerator("ignored"), hosted, sandbox)
	ctx := context.Background()

	task := seedTask(t, s, &models.Task{Title: "Add retries", Description: "d"})

	if err := p.PlanTask(ctx, task.ID, false); err != nil {
		t.Fatalf("PlanTask failed: %v", err)
	}

	if hosted.calls != 1 || sandbox.calls != 1 {
		t.Fatalf("expected hosted then sandbox, got hosted=%d sandbox=%d", hosted.calls, sandbox.calls)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Plan != "the plan" || got.PlanStatus != v1.PlanStatusReady {
		t.Errorf("expected ready plan from sandbox, got status=%s plan=%q", got.PlanStatus, got.Plan)
	}

	if n := len(q.Enqueued(jobs.KindGenerateSubtasks)); n != 1 {
		t.Errorf("expected one sub-task generation job, got %d", n)
	}

	runs, _ := s.ListRunsByTask(ctx, task.ID)
	if len(runs) != 2 {
		t.Fatalf("expected a run per attempted tier, got %d", len(runs))
	}
}

func TestPlanTaskFallsBackToDirectGeneration(t *testing.T) {
	hosted := &fakeDispatcher{name: v1.RunBackendHosted, err: errors.NotConfigured("hosted backend")}
	sandbox := &fakeDispatcher{name: v1.RunBackendSandbox, err: errors.BackendUnavailable("sandbox", nil)}
	gen := llm.NewFakeGenerator("1. do the thing")
	p, s, q := newPlanner(gen, hosted, sandbox)
	ctx := context.Background()

	task := seedTask(t, s, &models.Task{Title: "Add retries", Description: "d"})

	if err := p.PlanTask(ctx, task.ID, false); err != nil {
		t.Fatalf("PlanTask failed: %v", err)
	}

	if hosted.calls != 1 || sandbox.calls != 1 {
		t.Fatalf("both backends must be attempted before direct generation, hosted=%d sandbox=%d", hosted.calls, sandbox.calls)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Plan != "1. do the thing" || got.PlanStatus != v1.PlanStatusReady {
		t.Errorf("expected direct-generated plan, got status=%s plan=%q", got.PlanStatus, got.Plan)
	}
	if n := len(q.Enqueued(jobs.KindGenerateSubtasks)); n != 1 {
		t.Errorf("expected one sub-task generation job, got %d", n)
	}
}

func TestPlanTaskExhaustedTiersMarkPlanFailed(t *testing.T) {
	hosted := &fakeDispatcher{name: v1.RunBackendHosted, err: errors.NotConfigured("hosted backend")}
	gen := llm.NewFakeGenerator()
	gen.Fail(context.DeadlineExceeded)
	p, s, q := newPlanner(gen, hosted)
	ctx := context.Background()

	task := seedTask(t, s, &models.Task{Title: "Add retries", Description: "d"})

	if err := p.PlanTask(ctx, task.ID, false); err != nil {
		t.Fatalf("PlanTask must absorb exhausted tiers, got %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.PlanStatus != v1.PlanStatusFailed {
		t.Errorf("task must never stay generating, got %s", got.PlanStatus)
	}
	if n := len(q.Enqueued(jobs.KindGenerateSubtasks)); n != 0 {
		t.Errorf("failed plan must not enqueue sub-tasks, got %d", n)
	}
}

func TestPlanTaskGeneratesTitleAndLinksContext(t *testing.T) {
	hosted := &fakeDispatcher{name: v1.RunBackendHosted, res: &backend.Result{ExternalID: "job-1"}}
	gen := llm.NewFakeGenerator(
		`{"title": "Add retries to the fetcher"}`,
		`{"selections": [{"index": 0, "score": 80}, {"index": 1, "score": 30}, {"index": 9, "score": 99}]}`,
		"A short description.",
	)
	p, s, q := newPlanner(gen, hosted)
	_ = q
	ctx := context.Background()

	s.CreateDoc(ctx, &models.Doc{WorkspaceID: "ws-1", Title: "Fetcher design", Content: "..."})
	s.CreateDoc(ctx, &models.Doc{WorkspaceID: "ws-1", Title: "Unrelated doc", Content: "..."})
	task := seedTask(t, s, &models.Task{Prompt: "please add retries to the fetcher"})

	if err := p.PlanTask(ctx, task.ID, false); err != nil {
		t.Fatalf("PlanTask failed: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Title != "Add retries to the fetcher" {
		t.Errorf("expected generated title, got %q", got.Title)
	}
	if got.Description != "A short description." {
		t.Errorf("expected generated description, got %q", got.Description)
	}

	links, _ := s.ListTaskLinks(ctx, task.ID)
	if len(links) != 1 {
		t.Fatalf("expected one link above threshold (out-of-range index dropped), got %d", len(links))
	}
	if links[0].ItemType != "doc" || links[0].Score != 80 {
		t.Errorf("unexpected link %+v", links[0])
	}
}

func TestPlanTaskRegenerateKeepsTitleDeletesSubtasks(t *testing.T) {
	hosted := &fakeDispatcher{name: v1.RunBackendHosted, res: &backend.Result{ExternalID: "job-2"}}
	p, s, _ := newPlanner(llm.NewFakeGenerator("Fresh description."), hosted)
	ctx := context.Background()

	task := seedTask(t, s, &models.Task{Title: "Hand-written title", Prompt: "do it"})
	seedTask(t, s, &models.Task{ParentID: task.ID, Title: "old sub-task", Position: 1})

	if err := p.PlanTask(ctx, task.ID, true); err != nil {
		t.Fatalf("PlanTask failed: %v", err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Title != "Hand-written title" {
		t.Errorf("regeneration must keep the title, got %q", got.Title)
	}

	subs, _ := s.ListSubtasks(ctx, task.ID)
	if len(subs) != 0 {
		t.Errorf("regeneration must delete existing sub-tasks, got %d", len(subs))
	}
}

func TestGenerateSubtasks(t *testing.T) {
	gen := llm.NewFakeGenerator(`{"subtasks": [
		{"title": "Implement retry loop", "description": "...", "assignee": "agent"},
		{"title": "Add tests", "description": "...", "assignee": "agent"},
		{"title": "Review backoff choice", "description": "...", "assignee": "user"}
	]}`)
	p, s, _ := newPlanner(gen)
	ctx := context.Background()

	task := seedTask(t, s, &models.Task{Title: "Add retries", Plan: "1. retry loop\n2. tests"})
	r := seedRun(t, s, task)

	if err := p.GenerateSubtasks(ctx, task.ID, r.ID); err != nil {
		t.Fatalf("GenerateSubtasks failed: %v", err)
	}

	subs, _ := s.ListSubtasks(ctx, task.ID)
	if len(subs) != 3 {
		t.Fatalf("expected 3 sub-tasks, got %d", len(subs))
	}
	for i, sub := range subs {
		if sub.Position != i+1 {
			t.Errorf("positions must strictly increase, sub %d has position %d", i, sub.Position)
		}
		if sub.WorkspaceID != task.WorkspaceID {
			t.Errorf("sub-task must inherit the workspace, got %q", sub.WorkspaceID)
		}
	}
	if subs[0].Assignee != v1.AssigneeAgent || subs[2].Assignee != v1.AssigneeUser {
		t.Errorf("assignee tags lost: %s %s", subs[0].Assignee, subs[2].Assignee)
	}
}

func TestGenerateSubtasksDeduplicatesByRun(t *testing.T) {
	gen := llm.NewFakeGenerator(`{"subtasks": [{"title": "only one", "description": "", "assignee": "agent"}]}`)
	p, s, _ := newPlanner(gen)
	ctx := context.Background()

	task := seedTask(t, s, &models.Task{Title: "Add retries", Plan: "the plan"})
	r := seedRun(t, s, task)

	if err := p.GenerateSubtasks(ctx, task.ID, r.ID); err != nil {
		t.Fatalf("first generation failed: %v", err)
	}
	if err := p.GenerateSubtasks(ctx, task.ID, r.ID); err != nil {
		t.Fatalf("redelivery must be absorbed, got %v", err)
	}

	subs, _ := s.ListSubtasks(ctx, task.ID)
	if len(subs) != 1 {
		t.Errorf("redelivery created duplicate sub-tasks, got %d", len(subs))
	}
	if gen.Calls() != 1 {
		t.Errorf("redelivery must not reach the model, got %d calls", gen.Calls())
	}
}

func TestGenerateSubtasksTruncatesOverlongList(t *testing.T) {
	gen := llm.NewFakeGenerator(`{"subtasks": [
		{"title": "a"}, {"title": "b"}, {"title": "c"}, {"title": "d"},
		{"title": "e"}, {"title": "f"}, {"title": "g"}, {"title": "h"}
	]}`)
	p, s, _ := newPlanner(gen)
	ctx := context.Background()

	task := seedTask(t, s, &models.Task{Title: "Big task", Plan: "plan"})
	r := seedRun(t, s, task)

	if err := p.GenerateSubtasks(ctx, task.ID, r.ID); err != nil {
		t.Fatalf("GenerateSubtasks failed: %v", err)
	}

	subs, _ := s.ListSubtasks(ctx, task.ID)
	if len(subs) != maxSubtasks {
		t.Errorf("expected list capped at %d, got %d", maxSubtasks, len(subs))
	}
}
