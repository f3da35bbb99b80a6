package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultModel = "claude-3-5-haiku-latest"

// AnthropicProvider summarizes with the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropicProvider(apiKey, apiBase, defaultModel string, maxTokens int, timeout time.Duration) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = anthropicDefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxToken
	}

	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(apiKey), anthropicoption.WithMaxRetries(0)}
	if apiBase != "" {
		opts = append(opts, anthropicoption.WithBaseURL(apiBase))
	}
	if timeout > 0 {
		opts = append(opts, anthropicoption.WithRequestTimeout(timeout))
	}

	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     defaultModel,
		maxTokens: maxTokens,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// Summarize sends prompt as a single user turn and joins the text blocks
// of the reply.
func (p *AnthropicProvider) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: summarySystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
