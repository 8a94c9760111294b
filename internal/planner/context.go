package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/task/models"
)

const (
	// relevanceThreshold is the minimum score (out of 100) a candidate
	// needs to be linked to the task.
	relevanceThreshold = 50

	// maxRecentMessages bounds how much conversation history enters the
	// candidate catalogue.
	maxRecentMessages = 20
)

// catalogueItem is one candidate context item, addressed by position in the
// catalogue. The model selects indices rather than raw ids so it cannot
// fabricate references to items that do not exist.
type catalogueItem struct {
	Type    string // doc, message, link
	ID      string
	Title   string
	Snippet string
}

type relevanceSelection struct {
	Index int `json:"index"`
	Score int `json:"score"`
}

type relevanceResponse struct {
	Selections []relevanceSelection `json:"selections"`
}

// linkContext builds the candidate catalogue, asks the model to score it,
// and persists a TaskLink for every item at or above the threshold. It
// returns the linked items for use by the description step.
func (p *Planner) linkContext(ctx context.Context, task *models.Task) ([]catalogueItem, error) {
	catalogue, err := p.buildCatalogue(ctx, task)
	if err != nil {
		return nil, err
	}
	if len(catalogue) == 0 {
		return nil, nil
	}

	var resp relevanceResponse
	if err := p.gen.GenerateJSON(ctx, selectionPrompt(task, catalogue), &resp); err != nil {
		return nil, fmt.Errorf("relevance selection failed: %w", err)
	}

	var linked []catalogueItem
	for _, sel := range resp.Selections {
		if sel.Index < 0 || sel.Index >= len(catalogue) {
			p.logger.Warn("model selected an out-of-range index",
				zap.String("task_id", task.ID),
				zap.Int("index", sel.Index))
			continue
		}
		if sel.Score < relevanceThreshold {
			continue
		}
		item := catalogue[sel.Index]
		if err := p.store.CreateTaskLink(ctx, &models.TaskLink{
			TaskID:   task.ID,
			ItemType: item.Type,
			ItemID:   item.ID,
			Score:    sel.Score,
		}); err != nil {
			return linked, err
		}
		linked = append(linked, item)
	}
	return linked, nil
}

func (p *Planner) buildCatalogue(ctx context.Context, task *models.Task) ([]catalogueItem, error) {
	var catalogue []catalogueItem

	docs, err := p.store.ListDocs(ctx, task.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		catalogue = append(catalogue, catalogueItem{
			Type:    "doc",
			ID:      d.ID,
			Title:   d.Title,
			Snippet: excerpt(d.Content, 200),
		})
	}

	messages, err := p.store.ListMessages(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if len(messages) > maxRecentMessages {
		messages = messages[len(messages)-maxRecentMessages:]
	}
	for _, m := range messages {
		catalogue = append(catalogue, catalogueItem{
			Type:    "message",
			ID:      m.ID,
			Title:   m.Author,
			Snippet: excerpt(m.Body, 200),
		})
	}

	links, err := p.store.ListLinks(ctx, task.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for _, l := range links {
		catalogue = append(catalogue, catalogueItem{
			Type:    "link",
			ID:      l.ID,
			Title:   l.Title,
			Snippet: l.URL,
		})
	}

	return catalogue, nil
}

func renderCatalogue(items []catalogueItem) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "[%d] (%s) %s: %s\n", i, item.Type, item.Title, item.Snippet)
	}
	return b.String()
}
