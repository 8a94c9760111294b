// Package sandbox runs jobs in an ephemeral Docker container driven over a
// stdio JSON-RPC session. Each dispatch owns its container exclusively, and
// teardown is guaranteed on every exit path.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/task/models"
	"github.com/crewdeck/crewdeck/internal/workspace"
	"github.com/crewdeck/crewdeck/pkg/agentrpc"
	v1 "github.com/crewdeck/crewdeck/pkg/api/v1"
)

const (
	// Setup steps are individually bounded; the prompt call is not.
	pullTimeout      = 5 * time.Minute
	setupStepTimeout = 30 * time.Second

	healthAttempts = 30
	healthInterval = time.Second

	credentialsPath = "/run/secrets/git-credentials"
)

// Adapter is the sandbox execution backend.
type Adapter struct {
	cfg      config.DockerConfig
	docker   *dockerClient
	provider workspace.ContextProvider
	logger   *logger.Logger
}

var _ backend.Dispatcher = (*Adapter)(nil)

// New creates a sandbox adapter and verifies the Docker daemon is
// reachable.
func New(ctx context.Context, cfg config.DockerConfig, provider workspace.ContextProvider, log *logger.Logger) (*Adapter, error) {
	d, err := newDockerClient(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return &Adapter{
		cfg:      cfg,
		docker:   d,
		provider: provider,
		logger:   log.WithFields(zap.String("component", "sandbox-backend")),
	}, nil
}

// Close releases the Docker client.
func (a *Adapter) Close() error { return a.docker.Close() }

// Name identifies the backend.
func (a *Adapter) Name() v1.RunBackend { return v1.RunBackendSandbox }

// Dispatch provisions a container, waits for the agent inside it to become
// healthy, sends the prompt over the stdio session, and returns the flat
// text result. The prompt call uses the caller's context unmodified: the
// work may legitimately run for many minutes, so no artificial timeout is
// imposed there.
func (a *Adapter) Dispatch(ctx context.Context, task *models.Task, purpose v1.RunPurpose) (*backend.Result, error) {
	creds, err := a.provider.Credentials(ctx, task.WorkspaceID)
	if err != nil {
		return nil, err
	}

	repo, err := a.provider.Repo(ctx, task.WorkspaceID)
	if err != nil {
		return nil, err
	}

	prompt, err := a.provider.AssemblePrompt(ctx, task)
	if err != nil {
		return nil, errors.Internal("failed to assemble prompt", err)
	}

	// Credentials go into a file mounted read-only into the container,
	// never into a shell command string.
	credsDir, err := os.MkdirTemp("", "crewdeck-sandbox-")
	if err != nil {
		return nil, errors.Internal("failed to create credentials dir", err)
	}
	defer os.RemoveAll(credsDir)

	credsFile := filepath.Join(credsDir, "git-credentials")
	line := fmt.Sprintf("https://x-access-token:%s@github.com\n", creds.GitToken)
	if err := os.WriteFile(credsFile, []byte(line), 0o600); err != nil {
		return nil, errors.Internal("failed to write credentials file", err)
	}

	pullCtx, cancelPull := context.WithTimeout(ctx, pullTimeout)
	defer cancelPull()
	imageName := a.cfg.Image + ":" + a.cfg.Tag
	if err := a.docker.PullImage(pullCtx, imageName); err != nil {
		return nil, errors.BackendUnavailable("sandbox", err)
	}

	setupCtx, cancelSetup := context.WithTimeout(ctx, setupStepTimeout)
	defer cancelSetup()

	containerID, err := a.docker.CreateInteractive(setupCtx, containerSpec{
		Name:  "crewdeck-run-" + uuid.New().String()[:8],
		Image: imageName,
		Env: []string{
			"REPO_URL=" + repo.URL,
			"GIT_CREDENTIALS_FILE=" + credentialsPath,
			"RUN_PURPOSE=" + string(purpose),
		},
		Mounts: []mountSpec{
			{Source: credsFile, Target: credentialsPath, ReadOnly: true},
		},
		Labels: map[string]string{
			"crewdeck.task_id":      task.ID,
			"crewdeck.workspace_id": task.WorkspaceID,
		},
	})
	if err != nil {
		return nil, errors.BackendUnavailable("sandbox", err)
	}
	// From here on the container exists; release it on every exit path.
	defer a.docker.Teardown(containerID)

	if err := a.docker.Start(setupCtx, containerID); err != nil {
		return nil, errors.BackendUnavailable("sandbox", err)
	}

	attach, err := a.docker.Attach(setupCtx, containerID)
	if err != nil {
		return nil, errors.BackendUnavailable("sandbox", err)
	}
	defer attach.Close()

	rpc := agentrpc.NewClient(attach.Stdin, attach.Stdout, a.logger)
	readCtx, cancelRead := context.WithCancel(context.Background())
	defer cancelRead()
	rpc.Start(readCtx)
	defer rpc.Stop()

	if err := a.waitReady(ctx, rpc); err != nil {
		return nil, errors.BackendUnavailable("sandbox", err)
	}

	initCtx, cancelInit := context.WithTimeout(ctx, setupStepTimeout)
	defer cancelInit()
	if _, err := rpc.Call(initCtx, "initialize", initializeParams(purpose)); err != nil {
		return nil, errors.BackendUnavailable("sandbox", fmt.Errorf("initialize failed: %w", err))
	}

	a.logger.Info("sandbox ready, sending prompt",
		zap.String("task_id", task.ID),
		zap.String("container_id", containerID))

	resp, err := rpc.Call(ctx, "session/prompt", map[string]string{"prompt": prompt})
	if err != nil {
		return nil, errors.BackendUnavailable("sandbox", fmt.Errorf("prompt call failed: %w", err))
	}
	if resp.Error != nil {
		return nil, errors.BackendUnavailable("sandbox", fmt.Errorf("agent error: %s", resp.Error.Message))
	}

	output := parseResult(resp.Result)
	if output == "" {
		return nil, errors.BackendUnavailable("sandbox", fmt.Errorf("agent returned an empty result"))
	}

	return &backend.Result{
		ExternalID: containerID,
		Completed:  true,
		Output:     output,
	}, nil
}

// waitReady pings the agent over the stdio session with bounded retries
// before declaring startup failure.
func (a *Adapter) waitReady(ctx context.Context, rpc *agentrpc.Client) error {
	var lastErr error
	for attempt := 0; attempt < healthAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, healthInterval)
		resp, err := rpc.Call(pingCtx, "ping", nil)
		cancel()
		if err == nil && resp.Error == nil {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = resp.Error
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthInterval):
		}
	}
	return fmt.Errorf("agent did not become healthy after %d attempts: %w", healthAttempts, lastErr)
}

// initializeParams configures the agent's tool surface. Planning runs get a
// restricted read-only mode: read and search tools enabled, write and
// execute tools disabled.
func initializeParams(purpose v1.RunPurpose) map[string]interface{} {
	restricted := purpose == v1.RunPurposePlanning
	return map[string]interface{}{
		"mode": map[string]interface{}{
			"read":    true,
			"search":  true,
			"write":   !restricted,
			"execute": !restricted,
		},
	}
}

// parseResult flattens the agent's structured prompt response to text. The
// same concept arrives under different shapes depending on the agent
// version, so each known shape is checked in order.
func parseResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}

	for _, key := range []string{"text", "output", "result", "summary"} {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}

	// Content-block shape: {"content": [{"type": "text", "text": "..."}]}
	if blocks, ok := obj["content"].([]interface{}); ok {
		var out string
		for _, b := range blocks {
			m, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				out += t
			}
		}
		return out
	}

	return ""
}
