package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const DefaultCompletionModel = "gemini-1.5-flash"

// Completer answers a user prompt under a system instruction.
type Completer struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func NewCompleter(ctx context.Context, apiKey, model string, maxTokens int, opts ...option.ClientOption) (*Completer, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if model == "" {
		model = DefaultCompletionModel
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Completer{client: client, model: model, maxTokens: int32(maxTokens)}, nil // #nosec G115 -- configured token limits are small
}

func (c *Completer) Complete(ctx context.Context, system, user string) (string, error) {
	m := c.client.GenerativeModel(c.model)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}
	if c.maxTokens > 0 {
		m.SetMaxOutputTokens(c.maxTokens)
	}

	resp, err := m.GenerateContent(ctx, genai.Text(user))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return responseText(resp), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func (c *Completer) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
