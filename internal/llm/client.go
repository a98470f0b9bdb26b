package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"foreman/internal/fault"
	"foreman/internal/logging"
)

// Client is the transport boundary to the language service.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GenAIClient talks to Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a Gemini-backed client.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, model: model}, nil
}

// Complete sends one request and returns the raw response text.
func (c *GenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryLLM, "Complete")
	defer timer.Stop()

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), cfg)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fault.Wrap(fault.KindLLM, err, "LLM request timed out")
		}
		return "", fault.Wrap(fault.KindLLM, err, "LLM request failed")
	}

	text := resp.Text()
	if text == "" {
		return "", fault.New(fault.KindLLM, "empty LLM response")
	}
	logging.LLMDebug("Response: %d bytes", len(text))
	return text, nil
}
