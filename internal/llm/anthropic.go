package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/errors"
)

const maxOutputTokens = 4096

// AnthropicGenerator implements Generator against the Anthropic Messages
// API.
type AnthropicGenerator struct {
	client anthropic.Client
	model  anthropic.Model
}

var _ Generator = (*AnthropicGenerator)(nil)

// NewAnthropicGenerator creates a generator from config. Returns a typed
// NOT_CONFIGURED failure when no API key is set.
func NewAnthropicGenerator(cfg config.LLMConfig) (*AnthropicGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.NotConfigured("llm api key")
	}
	return &AnthropicGenerator{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  anthropic.Model(cfg.Model),
	}, nil
}

// Generate sends a single-turn prompt and concatenates the text blocks of
// the response.
func (g *AnthropicGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     g.model,
		MaxTokens: maxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", fmt.Errorf("empty response from model")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text, nil
}

// GenerateJSON sends a prompt expected to yield JSON and unmarshals the
// (repaired if necessary) output into out.
func (g *AnthropicGenerator) GenerateJSON(ctx context.Context, prompt string, out interface{}) error {
	raw, err := g.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	return decodeJSON(raw, out)
}
