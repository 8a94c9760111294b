package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Fixed resource URIs. Doc resources are addressed as crewdeck://docs/<id>.
const (
	uriTask      = "crewdeck://task"
	uriWorkspace = "crewdeck://workspace"
	uriRepo      = "crewdeck://repo"
	uriChat      = "crewdeck://chat"
	uriLinks     = "crewdeck://links"
	uriDocPrefix = "crewdeck://docs/"
)

func (s *Server) registerResources() {
	fixed := []struct {
		uri, name, description string
	}{
		{uriTask, "Task", "The task this token is scoped to"},
		{uriWorkspace, "Workspace", "Workspace summary"},
		{uriRepo, "Repository", "Linked repository coordinates"},
		{uriChat, "Conversation", "The task's message thread"},
		{uriLinks, "Links", "External references in the workspace"},
	}
	for _, r := range fixed {
		s.mcpServer.AddResource(
			mcp.NewResource(r.uri, r.name,
				mcp.WithResourceDescription(r.description),
				mcp.WithMIMEType("text/plain"),
			),
			s.readResource,
		)
	}

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(uriDocPrefix+"{id}", "Workspace document",
			mcp.WithTemplateDescription("A document in the token's workspace"),
			mcp.WithTemplateMIMEType("text/plain"),
		),
		s.readResource,
	)
}

// readResource renders any crewdeck:// URI for the request's scope.
func (s *Server) readResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	sc, ok := scopeFrom(ctx)
	if !ok {
		return nil, fmt.Errorf("no authenticated scope")
	}

	text, err := s.renderResource(ctx, sc, req.Params.URI)
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: text},
	}, nil
}

func (s *Server) renderResource(ctx context.Context, sc *scope, uri string) (string, error) {
	switch {
	case uri == uriTask:
		return s.renderTask(sc), nil
	case uri == uriWorkspace:
		return s.renderWorkspace(ctx, sc)
	case uri == uriRepo:
		return s.renderRepo(ctx, sc)
	case uri == uriChat:
		return s.renderChat(ctx, sc)
	case uri == uriLinks:
		return s.renderLinks(ctx, sc)
	case strings.HasPrefix(uri, uriDocPrefix):
		return s.renderDoc(ctx, sc, strings.TrimPrefix(uri, uriDocPrefix))
	}
	return "", fmt.Errorf("unknown resource %q", uri)
}

func (s *Server) renderTask(sc *scope) string {
	t := sc.task
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\nStatus: %s\nAssignee: %s\n", t.Title, t.Status, t.Assignee)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n## Description\n%s\n", t.Description)
	}
	if t.Plan != "" {
		fmt.Fprintf(&b, "\n## Plan\n%s\n", t.Plan)
	}
	return b.String()
}

func (s *Server) renderWorkspace(ctx context.Context, sc *scope) (string, error) {
	ws, err := s.store.GetWorkspace(ctx, sc.task.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("workspace unavailable")
	}
	return fmt.Sprintf("Workspace: %s\nRepository linked: %t\n", ws.Name, ws.HasRepository()), nil
}

func (s *Server) renderRepo(ctx context.Context, sc *scope) (string, error) {
	ws, err := s.store.GetWorkspace(ctx, sc.task.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("workspace unavailable")
	}
	if !ws.HasRepository() {
		return "No repository is linked to this workspace.\n", nil
	}
	return fmt.Sprintf("Owner: %s\nName: %s\nURL: %s\n", ws.RepoOwner, ws.RepoName, ws.RepoURL), nil
}

func (s *Server) renderChat(ctx context.Context, sc *scope) (string, error) {
	messages, err := s.store.ListMessages(ctx, sc.task.ID)
	if err != nil {
		return "", fmt.Errorf("conversation unavailable")
	}
	if len(messages) == 0 {
		return "(no messages)\n", nil
	}
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.Author, m.Body)
	}
	return b.String(), nil
}

func (s *Server) renderLinks(ctx context.Context, sc *scope) (string, error) {
	links, err := s.store.ListLinks(ctx, sc.task.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("links unavailable")
	}
	if len(links) == 0 {
		return "(no links)\n", nil
	}
	var b strings.Builder
	for _, l := range links {
		fmt.Fprintf(&b, "- %s: %s\n", l.Title, l.URL)
	}
	return b.String(), nil
}

func (s *Server) renderDoc(ctx context.Context, sc *scope, docID string) (string, error) {
	doc, err := s.store.GetDoc(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("unknown document %q", docID)
	}
	// Documents from other workspaces are invisible to this token.
	if doc.WorkspaceID != sc.task.WorkspaceID {
		return "", fmt.Errorf("unknown document %q", docID)
	}
	return fmt.Sprintf("# %s\n\n%s\n", doc.Title, doc.Content), nil
}
