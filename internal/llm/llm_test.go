package llm

import (
	"context"
	"testing"
)

func TestGenerateJSON(t *testing.T) {
	gen := NewFakeGenerator(`{"title": "Add retry logic"}`)

	var out struct {
		Title string `json:"title"`
	}
	if err := gen.GenerateJSON(context.Background(), "p", &out); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}
	if out.Title != "Add retry logic" {
		t.Errorf("expected title, got %q", out.Title)
	}
}

func TestGenerateJSONRepairsFencedOutput(t *testing.T) {
	gen := NewFakeGenerator("```json\n{\"title\": \"Fix flaky test\",}\n```")

	var out struct {
		Title string `json:"title"`
	}
	if err := gen.GenerateJSON(context.Background(), "p", &out); err != nil {
		t.Fatalf("GenerateJSON failed on repairable output: %v", err)
	}
	if out.Title != "Fix flaky test" {
		t.Errorf("expected repaired title, got %q", out.Title)
	}
}

func TestFakeGeneratorReplaysInOrder(t *testing.T) {
	gen := NewFakeGenerator("one", "two")
	ctx := context.Background()

	for _, want := range []string{"one", "two", "two"} {
		got, err := gen.Generate(ctx, "p")
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %q, got %q", want, got)
		}
	}
}
