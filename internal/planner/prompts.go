package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewdeck/crewdeck/internal/task/models"
)

type titleResponse struct {
	Title string `json:"title"`
}

func (p *Planner) generateTitle(ctx context.Context, prompt string) (string, error) {
	var resp titleResponse
	err := p.gen.GenerateJSON(ctx, fmt.Sprintf(
		`Write a short imperative title (at most 10 words) for this task request.
Respond with JSON: {"title": "..."}

Request:
%s`, prompt), &resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Title) == "" {
		return "", fmt.Errorf("model returned an empty title")
	}
	return strings.TrimSpace(resp.Title), nil
}

func selectionPrompt(task *models.Task, catalogue []catalogueItem) string {
	return fmt.Sprintf(
		`Score each candidate context item for relevance to the task below, 0-100.
Respond with JSON: {"selections": [{"index": 0, "score": 85}, ...]}
Only include items you scored. Use the bracketed index, never invent ids.

Task: %s
%s

Candidates:
%s`, task.Title, task.Prompt, renderCatalogue(catalogue))
}

func (p *Planner) generateDescription(ctx context.Context, task *models.Task, linked []catalogueItem) (string, error) {
	var b strings.Builder
	for _, item := range linked {
		fmt.Fprintf(&b, "- (%s) %s: %s\n", item.Type, item.Title, item.Snippet)
	}
	linkedContext := b.String()
	if linkedContext == "" {
		linkedContext = "(no linked context)"
	}

	return p.gen.Generate(ctx, fmt.Sprintf(
		`Write a succinct task description (2-4 sentences) for the request below.
Use only the linked context given; do not speculate beyond it.

Request:
%s

Linked context:
%s`, task.Prompt, linkedContext))
}

func planPrompt(task *models.Task) string {
	return fmt.Sprintf(
		`Write a concrete implementation plan for this task as a short markdown
document with numbered steps. You have no access to the repository, so keep
steps at the level of intent, not file paths.

Title: %s

Description:
%s

Request:
%s`, task.Title, task.Description, task.Prompt)
}

func subtasksPrompt(task *models.Task) string {
	return fmt.Sprintf(
		`Break this implementation plan into 3 to 6 sub-tasks. Tag each one with
an assignee: "agent" for implementation work, "user" for judgment or
verification work. Respond with JSON:
{"subtasks": [{"title": "...", "description": "...", "assignee": "agent"}, ...]}

Task: %s

Plan:
%s`, task.Title, task.Plan)
}
