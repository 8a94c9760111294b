package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
)

// Signature headers.
const (
	agentSignatureHeader  = "X-Agent-Signature"
	githubSignatureHeader = "X-Hub-Signature-256"
	githubSignaturePrefix = "sha256="
)

// Handler serves the inbound webhook routes.
type Handler struct {
	processor *Processor
	cfg       config.WebhookConfig
	logger    *logger.Logger
}

// NewHandler creates the webhook handler.
func NewHandler(processor *Processor, cfg config.WebhookConfig, log *logger.Logger) *Handler {
	return &Handler{processor: processor, cfg: cfg, logger: log}
}

// verifySignature recomputes the HMAC-SHA256 of body and compares it to the
// provided hex signature case-insensitively.
func verifySignature(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(provided)), []byte(expected))
}

// HandleAgentEvent processes a job-status callback.
// POST /webhooks/agent
func (h *Handler) HandleAgentEvent(c *gin.Context) {
	// The signature is computed over the exact bytes received, so the raw
	// body is read before any parsing.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		appErr := errors.BadRequest("failed to read request body")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if h.cfg.AgentSecret != "" {
		sig := c.GetHeader(agentSignatureHeader)
		if sig == "" || !verifySignature(h.cfg.AgentSecret, body, sig) {
			appErr := errors.Unauthorized("invalid webhook signature")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		appErr := errors.BadRequest("malformed JSON payload")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	externalID := ExtractExternalID(payload)
	if externalID == "" {
		appErr := errors.BadRequest("payload carries no job id")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	outcome, err := h.processor.ProcessAgentEvent(c.Request.Context(), externalID, payload)
	if err != nil {
		h.logger.Error("failed to process agent event",
			zap.String("external_id", externalID),
			zap.Error(err))
		appErr := errors.Internal("failed to process event", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// githubPREvent is the subset of the repository webhook payload we consume.
type githubPREvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
	} `json:"pull_request"`
}

// HandlePREvent processes a repository pull-request callback.
// POST /webhooks/github
func (h *Handler) HandlePREvent(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		appErr := errors.BadRequest("failed to read request body")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if h.cfg.GithubSecret != "" {
		sig := strings.TrimPrefix(c.GetHeader(githubSignatureHeader), githubSignaturePrefix)
		if sig == "" || !verifySignature(h.cfg.GithubSecret, body, sig) {
			appErr := errors.Unauthorized("invalid webhook signature")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	var event githubPREvent
	if err := json.Unmarshal(body, &event); err != nil {
		appErr := errors.BadRequest("malformed JSON payload")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if event.PullRequest.Number == 0 {
		appErr := errors.BadRequest("payload carries no pull request number")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	outcome, err := h.processor.ProcessPREvent(c.Request.Context(),
		event.Action, event.PullRequest.Number, event.PullRequest.Merged)
	if err != nil {
		h.logger.Error("failed to process PR event",
			zap.Int("pr_number", event.PullRequest.Number),
			zap.Error(err))
		appErr := errors.Internal("failed to process event", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// SetupRoutes registers the webhook routes.
func SetupRoutes(router *gin.Engine, processor *Processor, cfg config.WebhookConfig, log *logger.Logger) {
	handler := NewHandler(processor, cfg, log)

	hooks := router.Group("/webhooks")
	{
		hooks.POST("/agent", handler.HandleAgentEvent)
		hooks.POST("/github", handler.HandlePREvent)
	}
}
