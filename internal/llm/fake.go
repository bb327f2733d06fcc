package llm

import (
	"context"
	"sync"
)

// FakeClient returns canned responses. Intended for tests and offline runs.
type FakeClient struct {
	mu        sync.Mutex
	Responses []string // consumed in order; last one repeats
	Err       error
	Prompts   []string // every prompt received, in call order
	idx       int
}

// NewFakeClient creates a fake that always returns response.
func NewFakeClient(response string) *FakeClient {
	return &FakeClient{Responses: []string{response}}
}

func (f *FakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	return f.next(ctx, prompt)
}

func (f *FakeClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.next(ctx, userPrompt)
}

func (f *FakeClient) next(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Prompts = append(f.Prompts, prompt)
	if f.Err != nil {
		return "", f.Err
	}
	if len(f.Responses) == 0 {
		return "", nil
	}
	resp := f.Responses[min(f.idx, len(f.Responses)-1)]
	f.idx++
	return resp, nil
}

// CallCount reports how many completions were requested.
func (f *FakeClient) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Prompts)
}
