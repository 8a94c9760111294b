package llm

import (
	"context"
	"fmt"
	"sync"
)

// FakeGenerator replays scripted responses in order. Used in tests.
type FakeGenerator struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	Prompts   []string
}

var _ Generator = (*FakeGenerator)(nil)

// NewFakeGenerator creates a generator that returns the given responses one
// per call, then repeats the last.
func NewFakeGenerator(responses ...string) *FakeGenerator {
	return &FakeGenerator{responses: responses}
}

// Fail makes every subsequent call return err.
func (f *FakeGenerator) Fail(err error) { f.err = err }

// Calls returns how many Generate calls were made.
func (f *FakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prompts = append(f.Prompts, prompt)
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("no scripted response")
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

func (f *FakeGenerator) GenerateJSON(ctx context.Context, prompt string, out interface{}) error {
	raw, err := f.Generate(ctx, prompt)
	if err != nil {
		return err
	}
	return decodeJSON(raw, out)
}
