package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	openaiDefaultModel     = "gpt-4o-mini"
	defaultSummaryMaxToken = 500
)

// OpenAIProvider summarizes with any OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	name      string
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIProvider creates a provider. apiBase may point at any
// OpenAI-compatible server; empty uses the public API.
func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string, maxTokens int, timeout time.Duration) *OpenAIProvider {
	if defaultModel == "" {
		defaultModel = openaiDefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultSummaryMaxToken
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(apiBase, "/")+"/"))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	return &OpenAIProvider{
		name:      name,
		client:    openai.NewClient(opts...),
		model:     defaultModel,
		maxTokens: maxTokens,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Summarize sends prompt as a single user message.
func (p *OpenAIProvider) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarySystemPrompt),
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(int64(p.maxTokens)),
	})
	if err != nil {
		return "", fmt.Errorf("%s: chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: response has no choices", p.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
