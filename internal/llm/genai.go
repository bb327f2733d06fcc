package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"goalforge/internal/config"
	"goalforge/internal/logging"
)

// GenAIClient calls the Gemini API through the official GenAI SDK.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a Gemini-backed client. The API key comes from
// config (already merged with GEMINI_API_KEY by the config loader).
func NewGenAIClient(ctx context.Context, cfg config.LLMConfig) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai client requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GenAIClient{client: client, model: model}, nil
}

// Complete sends a single-turn prompt and returns the model's text response.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "genai_complete")
	defer timer.Stop()

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("genai complete: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("genai complete: empty response")
	}
	return text, nil
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *GenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "genai_complete_system")
	defer timer.Stop()

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), cfg)
	if err != nil {
		return "", fmt.Errorf("genai complete with system: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("genai complete with system: empty response")
	}
	return text, nil
}

// Model returns the configured model name.
func (c *GenAIClient) Model() string { return c.model }
