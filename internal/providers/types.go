// Package providers implements the LLM backends used to summarize
// conversations into long-term memories.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
)

// summarySystemPrompt frames every summarization request.
const summarySystemPrompt = "You condense conversations into durable memories. " +
	"Keep facts about the user, decisions, and open tasks. Answer with the summary only."

// Provider turns a summarization prompt into a summary.
type Provider interface {
	Name() string
	Summarize(ctx context.Context, prompt string) (string, error)
}

// New builds the provider selected by cfg. An empty provider name selects
// the offline extractive summarizer.
func New(cfg config.SummarizerConfig) (Provider, error) {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch cfg.Provider {
	case "", "extractive":
		return NewExtractiveProvider(), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai summarizer: api key is required")
		}
		return NewOpenAIProvider("openai", cfg.APIKey, cfg.APIBase, cfg.Model, cfg.MaxTokens, timeout), nil
	case "dashscope":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("dashscope summarizer: api key is required")
		}
		return NewDashScopeProvider(cfg.APIKey, cfg.APIBase, cfg.Model, cfg.MaxTokens, timeout), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic summarizer: api key is required")
		}
		return NewAnthropicProvider(cfg.APIKey, cfg.APIBase, cfg.Model, cfg.MaxTokens, timeout), nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Provider)
	}
}

// NewOrFallback builds the configured provider, falling back to the
// extractive summarizer when it cannot be created.
func NewOrFallback(cfg config.SummarizerConfig) Provider {
	p, err := New(cfg)
	if err != nil {
		slog.Warn("summarizer unavailable, using extractive fallback", "provider", cfg.Provider, "error", err)
		return NewExtractiveProvider()
	}
	slog.Info("summarizer ready", "provider", p.Name())
	return p
}
