package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/jobs"
	"github.com/crewdeck/crewdeck/internal/run"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

type fixture struct {
	store  *store.MemoryStore
	queue  *jobs.MemoryQueue
	router *gin.Engine
	task   *models.Task
	run    *run.AgentRun
}

func newFixture(t *testing.T, cfg config.WebhookConfig) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.NewMemoryStore()
	q := jobs.NewMemoryQueue()
	processor := NewProcessor(s, q, nil, logger.NewNop())

	router := gin.New()
	SetupRoutes(router, processor, cfg, logger.NewNop())

	ctx := context.Background()
	task := &models.Task{WorkspaceID: "ws-1", Title: "Add retries", Status: v1.TaskStatusInProgress, PlanStatus: v1.PlanStatusGenerating}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	r := run.New(task.ID, "ws-1", v1.RunBackendHosted, v1.RunPurposePlanning)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := s.SetRunExternalID(ctx, r.ID, "ext-1"); err != nil {
		t.Fatalf("SetRunExternalID failed: %v", err)
	}

	return &fixture{store: s, queue: q, router: router, task: task, run: r}
}

func (f *fixture) post(t *testing.T, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestAgentWebhookUnknownExternalIDIgnored(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{})

	w := f.post(t, "/webhooks/agent", `{"id": "never-seen", "status": "completed"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown id, got %d", w.Code)
	}

	var out Outcome
	json.Unmarshal(w.Body.Bytes(), &out)
	if out.Status != "ignored" {
		t.Errorf("expected ignored outcome, got %q", out.Status)
	}

	got, _ := f.store.GetRun(context.Background(), f.run.ID)
	if got.State != v1.RunStateCreating {
		t.Errorf("state must be unchanged, got %s", got.State)
	}
}

func TestAgentWebhookMissingIDRejected(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{})

	w := f.post(t, "/webhooks/agent", `{"status": "completed"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing id, got %d", w.Code)
	}
}

func TestAgentWebhookSignature(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{AgentSecret: "s3cret"})
	body := `{"id": "ext-1", "status": "queued"}`

	// Missing header: never silently skip when a secret is configured.
	if w := f.post(t, "/webhooks/agent", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature, got %d", w.Code)
	}

	// Wrong signature.
	headers := map[string]string{agentSignatureHeader: sign("wrong", body)}
	if w := f.post(t, "/webhooks/agent", body, headers); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad signature, got %d", w.Code)
	}

	// Correct signature, uppercase hex: the comparison is case-insensitive.
	headers = map[string]string{agentSignatureHeader: strings.ToUpper(sign("s3cret", body))}
	if w := f.post(t, "/webhooks/agent", body, headers); w.Code != http.StatusOK {
		t.Errorf("expected 200 with valid signature, got %d", w.Code)
	}
}

func TestAgentWebhookPlanningLifecycle(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{})
	ctx := context.Background()

	if w := f.post(t, "/webhooks/agent", `{"id": "ext-1", "status": "queued"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("queued delivery failed: %d", w.Code)
	}
	if w := f.post(t, "/webhooks/agent", `{"id": "ext-1", "status": "completed", "summary": "X"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("completed delivery failed: %d", w.Code)
	}

	task, _ := f.store.GetTask(ctx, f.task.ID)
	if task.Plan != "X" {
		t.Errorf("expected plan X, got %q", task.Plan)
	}
	if task.PlanStatus != v1.PlanStatusReady {
		t.Errorf("expected plan ready, got %s", task.PlanStatus)
	}

	enqueued := f.queue.Enqueued(jobs.KindGenerateSubtasks)
	if len(enqueued) != 1 {
		t.Fatalf("expected exactly one sub-task generation job, got %d", len(enqueued))
	}

	// A redelivered completion must not enqueue a second continuation.
	if w := f.post(t, "/webhooks/agent", `{"id": "ext-1", "status": "completed", "summary": "X"}`, nil); w.Code != http.StatusOK {
		t.Fatalf("duplicate delivery failed: %d", w.Code)
	}
	if n := len(f.queue.Enqueued(jobs.KindGenerateSubtasks)); n != 1 {
		t.Errorf("duplicate delivery enqueued another job, total %d", n)
	}
}

func TestAgentWebhookOutOfOrderDeliveriesConverge(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{})

	f.post(t, "/webhooks/agent", `{"id": "ext-1", "status": "completed", "summary": "X"}`, nil)
	f.post(t, "/webhooks/agent", `{"id": "ext-1", "status": "queued"}`, nil)

	got, _ := f.store.GetRun(context.Background(), f.run.ID)
	if got.State != v1.RunStateFinished {
		t.Errorf("late queued delivery regressed the run to %s", got.State)
	}
	if got.Summary != "X" {
		t.Errorf("summary lost on late delivery, got %q", got.Summary)
	}
}

func TestAgentWebhookPlanningFailure(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{})

	w := f.post(t, "/webhooks/agent", `{"id": "ext-1", "status": "failed", "error": "clone failed"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("failed delivery returned %d", w.Code)
	}

	task, _ := f.store.GetTask(context.Background(), f.task.ID)
	if task.PlanStatus != v1.PlanStatusFailed {
		t.Errorf("expected plan failed, got %s", task.PlanStatus)
	}
	if n := len(f.queue.Enqueued(jobs.KindGenerateSubtasks)); n != 0 {
		t.Errorf("failed planning run must not enqueue sub-task generation, got %d", n)
	}
}

func TestAgentWebhookFinishedWithPRMovesTaskInReview(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{})
	ctx := context.Background()

	// Make this an implementation run so plan side effects stay out of the way.
	impl := run.New(f.task.ID, "ws-1", v1.RunBackendHosted, v1.RunPurposeImplementation)
	f.store.CreateRun(ctx, impl)
	f.store.SetRunExternalID(ctx, impl.ID, "ext-impl")

	body := `{"id": "ext-impl", "status": "completed", "pull_request": {"html_url": "https://x/pr/9", "number": 9}}`
	if w := f.post(t, "/webhooks/agent", body, nil); w.Code != http.StatusOK {
		t.Fatalf("delivery failed: %d", w.Code)
	}

	task, _ := f.store.GetTask(ctx, f.task.ID)
	if task.Status != v1.TaskStatusInReview {
		t.Errorf("expected task in_review, got %s", task.Status)
	}

	got, _ := f.store.GetRun(ctx, impl.ID)
	if got.PRNumber != 9 || got.PRState != v1.PRStateOpen {
		t.Errorf("expected open PR 9, got number=%d state=%s", got.PRNumber, got.PRState)
	}
}

func TestGithubWebhookMergedMarksTaskDone(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{})
	ctx := context.Background()

	f.post(t, "/webhooks/agent", `{"id": "ext-1", "status": "completed", "summary": "X", "pr_number": 12, "pr_url": "https://x/pr/12"}`, nil)

	body := `{"action": "closed", "pull_request": {"number": 12, "merged": true}}`
	if w := f.post(t, "/webhooks/github", body, nil); w.Code != http.StatusOK {
		t.Fatalf("PR delivery failed: %d", w.Code)
	}

	task, _ := f.store.GetTask(ctx, f.task.ID)
	if task.Status != v1.TaskStatusDone {
		t.Errorf("expected task done after merge, got %s", task.Status)
	}
	if task.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}

	got, _ := f.store.GetRun(ctx, f.run.ID)
	if got.PRState != v1.PRStateMerged {
		t.Errorf("expected merged PR state, got %s", got.PRState)
	}
}

func TestGithubWebhookUnknownPRIgnored(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{})

	body := `{"action": "closed", "pull_request": {"number": 404, "merged": true}}`
	w := f.post(t, "/webhooks/github", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown PR, got %d", w.Code)
	}

	var out Outcome
	json.Unmarshal(w.Body.Bytes(), &out)
	if out.Status != "ignored" {
		t.Errorf("expected ignored outcome, got %q", out.Status)
	}
}

func TestGithubWebhookSignaturePrefixStripped(t *testing.T) {
	f := newFixture(t, config.WebhookConfig{GithubSecret: "gh-secret"})
	body := `{"action": "opened", "pull_request": {"number": 7}}`

	headers := map[string]string{githubSignatureHeader: githubSignaturePrefix + sign("gh-secret", body)}
	if w := f.post(t, "/webhooks/github", body, headers); w.Code != http.StatusOK {
		t.Errorf("expected 200 with prefixed signature, got %d", w.Code)
	}

	if w := f.post(t, "/webhooks/github", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without signature, got %d", w.Code)
	}
}
