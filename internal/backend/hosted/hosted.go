// Package hosted dispatches jobs to the remote hosted-agent API. Progress
// arrives exclusively through the agent webhook; there is no local polling.
package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/task/models"
	"github.com/crewdeck/crewdeck/internal/workspace"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

// dispatchRequest is the outbound job payload.
type dispatchRequest struct {
	Prompt      string `json:"prompt"`
	RepoOwner   string `json:"repo_owner"`
	RepoName    string `json:"repo_name"`
	RepoURL     string `json:"repo_url"`
	Purpose     string `json:"purpose"`
	CallbackURL string `json:"callback_url"`
	// Secret is round-tripped back by the provider to sign webhook
	// deliveries.
	Secret string `json:"webhook_secret,omitempty"`
}

// dispatchResponse is the provider's acknowledgement.
type dispatchResponse struct {
	ID    string `json:"id"`
	JobID string `json:"job_id"`
}

// Adapter dispatches to the hosted backend.
type Adapter struct {
	cfg      config.HostedConfig
	secret   string
	callback string
	provider workspace.ContextProvider
	client   *http.Client
	logger   *logger.Logger
}

var _ backend.Dispatcher = (*Adapter)(nil)

// New creates a hosted adapter. callbackURL is the absolute URL of the
// agent webhook route.
func New(cfg config.HostedConfig, webhookSecret, callbackURL string, provider workspace.ContextProvider, log *logger.Logger) *Adapter {
	return &Adapter{
		cfg:      cfg,
		secret:   webhookSecret,
		callback: callbackURL,
		provider: provider,
		client:   &http.Client{Timeout: cfg.TimeoutDuration()},
		logger:   log.WithFields(zap.String("component", "hosted-backend")),
	}
}

// Name identifies the backend.
func (a *Adapter) Name() v1.RunBackend { return v1.RunBackendHosted }

// Dispatch issues one POST carrying the assembled prompt, repository
// coordinates, callback URL, and shared secret, and returns the external
// job id from the acknowledgement.
func (a *Adapter) Dispatch(ctx context.Context, task *models.Task, purpose v1.RunPurpose) (*backend.Result, error) {
	if a.cfg.BaseURL == "" || a.cfg.APIKey == "" {
		return nil, errors.NotConfigured("hosted backend")
	}

	repo, err := a.provider.Repo(ctx, task.WorkspaceID)
	if err != nil {
		return nil, err
	}

	prompt, err := a.provider.AssemblePrompt(ctx, task)
	if err != nil {
		return nil, errors.Internal("failed to assemble prompt", err)
	}

	body, err := json.Marshal(dispatchRequest{
		Prompt:      prompt,
		RepoOwner:   repo.Owner,
		RepoName:    repo.Name,
		RepoURL:     repo.URL,
		Purpose:     string(purpose),
		CallbackURL: a.callback,
		Secret:      a.secret,
	})
	if err != nil {
		return nil, errors.Internal("failed to marshal dispatch request", err)
	}

	url := a.cfg.BaseURL + "/v1/jobs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal("failed to build dispatch request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.BackendUnavailable("hosted", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.BackendUnavailable("hosted", fmt.Errorf("dispatch returned status %d", resp.StatusCode))
	}

	var ack dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, errors.BackendUnavailable("hosted", fmt.Errorf("malformed dispatch acknowledgement: %w", err))
	}

	externalID := ack.ID
	if externalID == "" {
		externalID = ack.JobID
	}
	if externalID == "" {
		return nil, errors.BackendUnavailable("hosted", fmt.Errorf("dispatch acknowledgement carried no job id"))
	}

	a.logger.Info("dispatched hosted job",
		zap.String("task_id", task.ID),
		zap.String("external_id", externalID),
		zap.String("purpose", string(purpose)))

	return &backend.Result{ExternalID: externalID}, nil
}
