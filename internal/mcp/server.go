// Package mcp serves task-scoped context and tools to locally-run agents
// over the Streamable HTTP MCP transport. Every request is authenticated by
// a task token and sees exactly one (task, workspace) pair.
package mcp

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/task/models"
)

const (
	serverName    = "crewdeck"
	serverVersion = "0.1.0"
)

// Server wraps the MCP server and its Streamable HTTP transport.
type Server struct {
	store      store.Store
	logger     *logger.Logger
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// NewServer creates the MCP server and registers its tools and resources.
func NewServer(s store.Store, log *logger.Logger) *Server {
	srv := &Server{
		store:  s,
		logger: log.WithFields(zap.String("component", "mcp")),
	}

	srv.mcpServer = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
	)
	srv.registerResources()
	srv.registerTools()

	// Stateless keeps every POST independent, so the per-request token is
	// the only session there is.
	srv.httpServer = server.NewStreamableHTTPServer(srv.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)

	return srv
}

// scope is the (task, workspace) pair a validated token resolves to.
type scope struct {
	token *models.AccessToken
	task  *models.Task
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) (*scope, bool) {
	sc, ok := ctx.Value(scopeKey{}).(*scope)
	return sc, ok
}

// SetupRoutes registers the MCP endpoint. CORS preflight is handled by the
// router-level middleware.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.Any("/mcp", s.Handle)
}

// Handle authenticates the token, attaches the resolved scope to the request
// context, and hands the request to the MCP transport.
func (s *Server) Handle(c *gin.Context) {
	sc, err := s.authenticate(c)
	if err != nil {
		var appErr *errors.AppError
		if !stderrors.As(err, &appErr) {
			appErr = errors.Internal("authentication failed", err)
		}
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	ctx := context.WithValue(c.Request.Context(), scopeKey{}, sc)
	s.httpServer.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
}

// Shutdown closes the Streamable HTTP transport.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// authenticate validates the bearer token in strict order: existence, then
// revocation, then expiry. Valid tokens get their last-used time bumped.
func (s *Server) authenticate(c *gin.Context) (*scope, error) {
	raw := c.Query("token")
	if raw == "" {
		return nil, errors.Unauthorized("token is required")
	}

	ctx := c.Request.Context()
	token, err := s.store.GetToken(ctx, raw)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, errors.Unauthorized("unknown token")
		}
		return nil, errors.Internal("token lookup failed", err)
	}
	if token.Revoked() {
		return nil, errors.Unauthorized("token has been revoked")
	}
	if token.Expired(time.Now().UTC()) {
		return nil, errors.Unauthorized("token has expired")
	}

	task, err := s.store.GetTask(ctx, token.TaskID)
	if err != nil {
		return nil, errors.Unauthorized("token task no longer exists")
	}

	if err := s.store.TouchToken(ctx, token.Token, time.Now().UTC()); err != nil {
		s.logger.Warn("failed to bump token last-used time", zap.Error(err))
	}

	return &scope{token: token, task: task}, nil
}
