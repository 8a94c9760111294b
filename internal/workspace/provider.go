// Package workspace assembles the context an agent run needs: repository
// coordinates, credentials, and the task's linked docs, messages, and links
// rendered as text blocks.
package workspace

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewdeck/crewdeck/internal/common/errors"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/task/models"
)

// RepoRef identifies the repository an agent runs against.
type RepoRef struct {
	Owner string
	Name  string
	URL   string
}

// Block is one rendered unit of task context.
type Block struct {
	Kind  string // description, doc, message, link
	Title string
	Body  string
}

// ContextProvider supplies everything the backend adapters and the MCP
// server need about a task and its workspace.
type ContextProvider interface {
	Repo(ctx context.Context, workspaceID string) (RepoRef, error)
	Credentials(ctx context.Context, workspaceID string) (*Credentials, error)
	ContextBlocks(ctx context.Context, task *models.Task) ([]Block, error)
	AssemblePrompt(ctx context.Context, task *models.Task) (string, error)
}

// Provider is the store-backed ContextProvider.
type Provider struct {
	store store.Store
	creds *CredentialSource
}

var _ ContextProvider = (*Provider)(nil)

// NewProvider creates a Provider reading context from the store and
// credentials from the process environment.
func NewProvider(s store.Store, creds *CredentialSource) *Provider {
	return &Provider{store: s, creds: creds}
}

// Repo returns the workspace's linked repository coordinates.
func (p *Provider) Repo(ctx context.Context, workspaceID string) (RepoRef, error) {
	ws, err := p.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if err == store.ErrNotFound {
			return RepoRef{}, errors.NotFound("workspace", workspaceID)
		}
		return RepoRef{}, err
	}
	if !ws.HasRepository() {
		return RepoRef{}, errors.NoRepository(workspaceID)
	}

	ref := RepoRef{Owner: ws.RepoOwner, Name: ws.RepoName, URL: ws.RepoURL}
	if ref.URL == "" {
		ref.URL = fmt.Sprintf("https://github.com/%s/%s", ws.RepoOwner, ws.RepoName)
	}
	return ref, nil
}

// Credentials returns the decrypted credentials for a workspace.
func (p *Provider) Credentials(ctx context.Context, workspaceID string) (*Credentials, error) {
	return p.creds.Resolve(ctx, workspaceID)
}

// ContextBlocks renders the task's description and linked context items as
// text blocks, in link order.
func (p *Provider) ContextBlocks(ctx context.Context, task *models.Task) ([]Block, error) {
	blocks := []Block{}
	if task.Description != "" {
		blocks = append(blocks, Block{Kind: "description", Title: task.Title, Body: task.Description})
	}

	links, err := p.store.ListTaskLinks(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	for _, tl := range links {
		switch tl.ItemType {
		case "doc":
			doc, err := p.store.GetDoc(ctx, tl.ItemID)
			if err != nil {
				if err == store.ErrNotFound {
					continue
				}
				return nil, err
			}
			blocks = append(blocks, Block{Kind: "doc", Title: doc.Title, Body: doc.Content})
		case "message":
			// Messages are linked per task, not per item; pull the thread once.
		case "link":
			for _, l := range p.workspaceLinks(ctx, task.WorkspaceID) {
				if l.ID == tl.ItemID {
					blocks = append(blocks, Block{Kind: "link", Title: l.Title, Body: l.URL})
				}
			}
		}
	}

	messages, err := p.store.ListMessages(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		blocks = append(blocks, Block{Kind: "message", Title: m.Author, Body: m.Body})
	}

	return blocks, nil
}

func (p *Provider) workspaceLinks(ctx context.Context, workspaceID string) []*models.Link {
	links, err := p.store.ListLinks(ctx, workspaceID)
	if err != nil {
		return nil
	}
	return links
}

// AssemblePrompt renders the task and its context blocks into the flat
// prompt text sent to a backend.
func (p *Provider) AssemblePrompt(ctx context.Context, task *models.Task) (string, error) {
	blocks, err := p.ContextBlocks(ctx, task)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Task: %s\n\n", task.Title)
	if task.Prompt != "" {
		fmt.Fprintf(&b, "%s\n\n", task.Prompt)
	}
	for _, blk := range blocks {
		fmt.Fprintf(&b, "## %s: %s\n%s\n\n", blk.Kind, blk.Title, blk.Body)
	}
	return strings.TrimRight(b.String(), "\n") + "\n", nil
}
