package hosted

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/task/models"
	"github.com/crewdeck/crewdeck/internal/workspace"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

type stubProvider struct {
	repoErr error
}

func (p *stubProvider) Repo(_ context.Context, workspaceID string) (workspace.RepoRef, error) {
	if p.repoErr != nil {
		return workspace.RepoRef{}, p.repoErr
	}
	return workspace.RepoRef{Owner: "acme", Name: "widgets", URL: "https://github.com/acme/widgets"}, nil
}

func (p *stubProvider) Credentials(context.Context, string) (*workspace.Credentials, error) {
	return &workspace.Credentials{GitToken: "tok"}, nil
}

func (p *stubProvider) ContextBlocks(context.Context, *models.Task) ([]workspace.Block, error) {
	return nil, nil
}

func (p *stubProvider) AssemblePrompt(_ context.Context, task *models.Task) (string, error) {
	return "# Task: " + task.Title + "\n", nil
}

func testTask() *models.Task {
	return &models.Task{ID: "task-1", WorkspaceID: "ws-1", Title: "Add retries"}
}

func TestDispatchSendsJobAndReturnsExternalID(t *testing.T) {
	var got dispatchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "job-42"})
	}))
	defer srv.Close()

	a := New(config.HostedConfig{BaseURL: srv.URL, APIKey: "key-1"},
		"hook-secret", "https://crewdeck.example/webhooks/agent", &stubProvider{}, logger.NewNop())

	res, err := a.Dispatch(context.Background(), testTask(), v1.RunPurposePlanning)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if res.ExternalID != "job-42" {
		t.Errorf("expected external id job-42, got %q", res.ExternalID)
	}
	if res.Completed {
		t.Error("hosted dispatch must not complete synchronously")
	}

	if got.CallbackURL != "https://crewdeck.example/webhooks/agent" {
		t.Errorf("expected callback url, got %q", got.CallbackURL)
	}
	if got.Secret != "hook-secret" {
		t.Errorf("expected webhook secret round-tripped, got %q", got.Secret)
	}
	if got.Purpose != "planning" {
		t.Errorf("expected planning purpose, got %q", got.Purpose)
	}
	if got.RepoOwner != "acme" || got.RepoName != "widgets" {
		t.Errorf("expected repo coordinates, got %s/%s", got.RepoOwner, got.RepoName)
	}
}

func TestDispatchNotConfigured(t *testing.T) {
	a := New(config.HostedConfig{}, "", "", &stubProvider{}, logger.NewNop())

	_, err := a.Dispatch(context.Background(), testTask(), v1.RunPurposePlanning)
	if !errors.HasCode(err, errors.ErrCodeNotConfigured) {
		t.Errorf("expected NOT_CONFIGURED, got %v", err)
	}
}

func TestDispatchNoRepository(t *testing.T) {
	a := New(config.HostedConfig{BaseURL: "http://localhost:1", APIKey: "k"},
		"", "", &stubProvider{repoErr: errors.NoRepository("ws-1")}, logger.NewNop())

	_, err := a.Dispatch(context.Background(), testTask(), v1.RunPurposePlanning)
	if !errors.HasCode(err, errors.ErrCodeNoRepository) {
		t.Errorf("expected NO_REPOSITORY, got %v", err)
	}
}

func TestDispatchNon2xxIsBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(config.HostedConfig{BaseURL: srv.URL, APIKey: "k"}, "", "", &stubProvider{}, logger.NewNop())

	_, err := a.Dispatch(context.Background(), testTask(), v1.RunPurposeImplementation)
	if !errors.HasCode(err, errors.ErrCodeBackendUnavailable) {
		t.Errorf("expected BACKEND_UNAVAILABLE, got %v", err)
	}
}
