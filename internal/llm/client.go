// Package llm defines the minimal client interface the oracle and learner
// backends use to call an LLM, plus a GenAI-backed implementation.
package llm

import "context"

// Client is the minimal interface for LLM calls.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
