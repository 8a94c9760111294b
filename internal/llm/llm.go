// Package llm provides the text-generation client used by the planning
// pipeline. Prompt text is opaque to the rest of the system; callers only
// depend on the structured-output contract.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
)

// Generator is the text-generation capability the pipeline depends on.
type Generator interface {
	// Generate returns the model's flat text output for a prompt.
	Generate(ctx context.Context, prompt string) (string, error)
	// GenerateJSON asks for structured output and unmarshals it into out.
	GenerateJSON(ctx context.Context, prompt string, out interface{}) error
}

// decodeJSON unmarshals model output into out, repairing the common failure
// modes first (markdown fences, trailing commas, single quotes).
func decodeJSON(raw string, out interface{}) error {
	if err := json.Unmarshal([]byte(raw), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return fmt.Errorf("model output is not valid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("failed to unmarshal repaired model output: %w", err)
	}
	return nil
}
