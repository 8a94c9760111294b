package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Ranking weights. A title hit always outranks a content hit, which
// outranks a match anywhere else (urls, authors).
const (
	scoreTitle   = 3
	scoreContent = 2
	scoreOther   = 1
)

type searchHit struct {
	Type    string
	Title   string
	Snippet string
	Score   int
}

func (s *Server) searchHandler(ctx context.Context, sc *scope, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	hits, err := s.search(ctx, sc, query)
	if err != nil {
		return nil, err
	}

	if len(hits) == 0 {
		return mcp.NewToolResultText("No matches."), nil
	}

	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "- (%s) %s: %s\n", h.Type, h.Title, h.Snippet)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// search scans every context type visible to the token and returns hits
// sorted best first. Ties keep the scan order, which is stable.
func (s *Server) search(ctx context.Context, sc *scope, query string) ([]searchHit, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	var hits []searchHit

	docs, err := s.store.ListDocs(ctx, sc.task.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if score := rank(q, d.Title, d.Content, ""); score > 0 {
			hits = append(hits, searchHit{Type: "doc", Title: d.Title, Snippet: snippet(d.Content), Score: score})
		}
	}

	messages, err := s.store.ListMessages(ctx, sc.task.ID)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		if score := rank(q, "", m.Body, m.Author); score > 0 {
			hits = append(hits, searchHit{Type: "message", Title: m.Author, Snippet: snippet(m.Body), Score: score})
		}
	}

	links, err := s.store.ListLinks(ctx, sc.task.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		if score := rank(q, l.Title, "", l.URL); score > 0 {
			hits = append(hits, searchHit{Type: "link", Title: l.Title, Snippet: l.URL, Score: score})
		}
	}

	tasks, err := s.store.ListTasks(ctx, sc.task.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if score := rank(q, t.Title, t.Description, t.Plan); score > 0 {
			hits = append(hits, searchHit{Type: "task", Title: t.Title, Snippet: snippet(t.Description), Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

func rank(query, title, content, other string) int {
	if strings.Contains(strings.ToLower(title), query) {
		return scoreTitle
	}
	if strings.Contains(strings.ToLower(content), query) {
		return scoreContent
	}
	if strings.Contains(strings.ToLower(other), query) {
		return scoreOther
	}
	return 0
}

func snippet(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
