package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/task/models"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type toolResult struct {
	IsError bool `json:"isError"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type mcpFixture struct {
	store  *store.MemoryStore
	router *gin.Engine
	task   *models.Task
	token  *models.AccessToken
}

func newMCPFixture(t *testing.T) *mcpFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s := store.NewMemoryStore()
	router := gin.New()
	NewServer(s, logger.NewNop()).SetupRoutes(router)

	ctx := context.Background()
	ws := &models.Workspace{Name: "core", RepoOwner: "acme", RepoName: "core", RepoURL: "https://github.com/acme/core"}
	if err := s.CreateWorkspace(ctx, ws); err != nil {
		t.Fatalf("CreateWorkspace failed: %v", err)
	}

	task := &models.Task{
		WorkspaceID: ws.ID,
		Title:       "Add retries",
		Description: "Retry transient failures in the fetcher",
		Status:      v1.TaskStatusInProgress,
		Plan:        "1. add retry loop",
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	now := time.Now().UTC()
	token := &models.AccessToken{
		Token:       "tok-valid",
		TaskID:      task.ID,
		WorkspaceID: ws.ID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(time.Hour),
	}
	if err := s.IssueToken(ctx, token); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	return &mcpFixture{store: s, router: router, task: task, token: token}
}

func (f *mcpFixture) call(t *testing.T, token, method string, params interface{}) (*httptest.ResponseRecorder, *rpcResponse) {
	t.Helper()

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	body, _ := json.Marshal(req)

	url := "/mcp"
	if token != "" {
		url += "?token=" + token
	}
	httpReq := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httpReq)

	resp := &rpcResponse{}
	if w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), resp); err != nil {
			t.Fatalf("response is not JSON-RPC: %v\n%s", err, w.Body.String())
		}
	}
	return w, resp
}

func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": "2025-03-26",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": "test-client", "version": "0.0.1"},
	}
}

func toolCall(name string, args interface{}) map[string]interface{} {
	return map[string]interface{}{"name": name, "arguments": args}
}

func (f *mcpFixture) callTool(t *testing.T, name string, args interface{}) *toolResult {
	t.Helper()

	w, resp := f.call(t, "tok-valid", "tools/call", toolCall(name, args))
	if w.Code != http.StatusOK {
		t.Fatalf("tools/call %s returned HTTP %d", name, w.Code)
	}
	if resp.Error != nil {
		t.Fatalf("tools/call %s failed: %+v", name, resp.Error)
	}

	result := &toolResult{}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		t.Fatalf("tool result is not a CallToolResult: %v", err)
	}
	return result
}

func TestHandleRejectsMissingAndUnknownTokens(t *testing.T) {
	f := newMCPFixture(t)

	if w, _ := f.call(t, "", "initialize", initializeParams()); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
	if w, _ := f.call(t, "tok-bogus", "initialize", initializeParams()); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for unknown token, got %d", w.Code)
	}
}

func TestHandleRejectsRevokedToken(t *testing.T) {
	f := newMCPFixture(t)
	ctx := context.Background()

	// Issuing a replacement revokes the fixture token.
	next := &models.AccessToken{
		Token:       "tok-next",
		TaskID:      f.task.ID,
		WorkspaceID: f.task.WorkspaceID,
		IssuedAt:    time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	if err := f.store.IssueToken(ctx, next); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if w, _ := f.call(t, "tok-valid", "initialize", initializeParams()); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for revoked token, got %d", w.Code)
	}
	if w, _ := f.call(t, "tok-next", "initialize", initializeParams()); w.Code != http.StatusOK {
		t.Errorf("replacement token must work, got %d", w.Code)
	}
}

func TestHandleExpiredTokenCausesNoMutation(t *testing.T) {
	f := newMCPFixture(t)
	ctx := context.Background()

	expired := &models.AccessToken{
		Token:       "tok-expired",
		TaskID:      f.task.ID,
		WorkspaceID: f.task.WorkspaceID,
		IssuedAt:    time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().UTC().Add(-time.Hour),
	}
	if err := f.store.IssueToken(ctx, expired); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	w, _ := f.call(t, "tok-expired", "tools/call", toolCall(toolUpdateStatus, map[string]string{"status": "done"}))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", w.Code)
	}

	got, _ := f.store.GetTask(ctx, f.task.ID)
	if got.Status != v1.TaskStatusInProgress {
		t.Errorf("expired token mutated the task to %s", got.Status)
	}
}

func TestInitialize(t *testing.T) {
	f := newMCPFixture(t)

	w, resp := f.call(t, "tok-valid", "initialize", initializeParams())
	if w.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("initialize failed: %d %+v", w.Code, resp.Error)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("bad initialize result: %v", err)
	}
	if result.ProtocolVersion == "" {
		t.Error("expected a negotiated protocol version")
	}
	if result.ServerInfo.Name != serverName {
		t.Errorf("unexpected server name %q", result.ServerInfo.Name)
	}
}

func TestUnknownMethodIsProtocolErrorNot500(t *testing.T) {
	f := newMCPFixture(t)

	w, resp := f.call(t, "tok-valid", "resources/delete", nil)
	if w.Code >= http.StatusInternalServerError {
		t.Fatalf("protocol errors must not become 5xx, got %d", w.Code)
	}
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Errorf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestUnknownToolIsProtocolError(t *testing.T) {
	f := newMCPFixture(t)

	w, resp := f.call(t, "tok-valid", "tools/call", toolCall("delete_everything", map[string]string{}))
	if w.Code >= http.StatusInternalServerError {
		t.Fatalf("expected a structured error, got HTTP %d", w.Code)
	}
	if resp.Error == nil {
		t.Error("expected a protocol error for an unknown tool")
	}
}

func TestResourcesListAndRead(t *testing.T) {
	f := newMCPFixture(t)
	ctx := context.Background()

	doc := &models.Doc{WorkspaceID: f.task.WorkspaceID, Title: "Fetcher design", Content: "uses exponential backoff"}
	f.store.CreateDoc(ctx, doc)

	// A doc in another workspace must be invisible to this token.
	otherWS := &models.Workspace{Name: "other"}
	f.store.CreateWorkspace(ctx, otherWS)
	foreign := &models.Doc{WorkspaceID: otherWS.ID, Title: "Secret", Content: "..."}
	f.store.CreateDoc(ctx, foreign)

	_, resp := f.call(t, "tok-valid", "resources/list", nil)
	if resp.Error != nil {
		t.Fatalf("resources/list failed: %+v", resp.Error)
	}
	var listed struct {
		Resources []struct {
			URI string `json:"uri"`
		} `json:"resources"`
	}
	json.Unmarshal(resp.Result, &listed)

	var sawTask bool
	for _, r := range listed.Resources {
		if r.URI == uriTask {
			sawTask = true
		}
	}
	if !sawTask {
		t.Errorf("task resource missing from the listing: %+v", listed.Resources)
	}

	_, resp = f.call(t, "tok-valid", "resources/read", map[string]string{"uri": uriDocPrefix + doc.ID})
	if resp.Error != nil {
		t.Fatalf("resources/read failed: %+v", resp.Error)
	}
	var read struct {
		Contents []struct {
			Text string `json:"text"`
		} `json:"contents"`
	}
	json.Unmarshal(resp.Result, &read)
	if len(read.Contents) != 1 || !strings.Contains(read.Contents[0].Text, "exponential backoff") {
		t.Errorf("unexpected doc content %+v", read.Contents)
	}

	_, resp = f.call(t, "tok-valid", "resources/read", map[string]string{"uri": uriDocPrefix + foreign.ID})
	if resp.Error == nil {
		t.Error("reading a foreign-workspace doc must fail")
	}
}

func TestSearchRanksTitleOverContentOverOther(t *testing.T) {
	f := newMCPFixture(t)
	ctx := context.Background()

	f.store.CreateDoc(ctx, &models.Doc{WorkspaceID: f.task.WorkspaceID, Title: "Backoff guide", Content: "irrelevant"})
	f.store.CreateMessage(ctx, &models.Message{TaskID: f.task.ID, Author: "alex", Body: "we should use backoff here"})
	f.store.CreateLink(ctx, &models.Link{WorkspaceID: f.task.WorkspaceID, Title: "Jitter paper", URL: "https://x/backoff"})

	result := f.callTool(t, toolSearchContext, map[string]string{"query": "backoff"})
	if result.IsError || len(result.Content) == 0 {
		t.Fatalf("search failed: %+v", result)
	}

	text := result.Content[0].Text
	docAt := strings.Index(text, "Backoff guide")
	msgAt := strings.Index(text, "alex")
	linkAt := strings.Index(text, "Jitter paper")
	if docAt == -1 || msgAt == -1 || linkAt == -1 {
		t.Fatalf("missing hits in:\n%s", text)
	}
	if !(docAt < msgAt && msgAt < linkAt) {
		t.Errorf("expected title > content > other ordering, got:\n%s", text)
	}
}

func TestUpdateStatusTool(t *testing.T) {
	f := newMCPFixture(t)

	result := f.callTool(t, toolUpdateStatus, map[string]string{"status": "in_review"})
	if result.IsError {
		t.Fatalf("update failed: %+v", result)
	}

	got, _ := f.store.GetTask(context.Background(), f.task.ID)
	if got.Status != v1.TaskStatusInReview {
		t.Errorf("expected in_review, got %s", got.Status)
	}

	result = f.callTool(t, toolUpdateStatus, map[string]string{"status": "bogus"})
	if !result.IsError {
		t.Error("unknown status must be rejected")
	}
}

func TestMarkCompleteTool(t *testing.T) {
	f := newMCPFixture(t)
	ctx := context.Background()

	result := f.callTool(t, toolMarkComplete, map[string]string{
		"summary": "Implemented retries with jittered backoff.",
	})
	if result.IsError {
		t.Fatalf("mark_complete failed: %+v", result)
	}

	got, _ := f.store.GetTask(ctx, f.task.ID)
	if got.Status != v1.TaskStatusDone {
		t.Errorf("expected done, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}

	messages, _ := f.store.ListMessages(ctx, f.task.ID)
	if len(messages) != 1 || messages[0].Author != agentAuthor {
		t.Fatalf("expected one agent summary comment, got %+v", messages)
	}
	if !strings.Contains(messages[0].Body, "jittered backoff") {
		t.Errorf("summary lost: %q", messages[0].Body)
	}
}

func TestPostCommentTool(t *testing.T) {
	f := newMCPFixture(t)

	result := f.callTool(t, toolPostComment, map[string]string{
		"body": "Starting on the retry loop.",
	})
	if result.IsError {
		t.Fatalf("post_comment failed: %+v", result)
	}

	messages, _ := f.store.ListMessages(context.Background(), f.task.ID)
	if len(messages) != 1 || messages[0].Body != "Starting on the retry loop." {
		t.Errorf("unexpected conversation %+v", messages)
	}
}

func TestTokenUseBumpsLastUsed(t *testing.T) {
	f := newMCPFixture(t)

	f.call(t, "tok-valid", "initialize", initializeParams())

	got, _ := f.store.GetToken(context.Background(), "tok-valid")
	if got.LastUsedAt == nil {
		t.Error("expected last-used timestamp after a request")
	}
}
