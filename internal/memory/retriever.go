package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

// Markers delimiting injected memory context in a system prompt.
const (
	ContextBeginMarker = "[Memory Context]"
	ContextEndMarker   = "[/Memory Context]"
)

const (
	shortTermHeader = "=== Short-term memory (recent conversation) ==="
	longTermHeader  = "=== Long-term memory (relevant memories) ==="
)

// RetrieverOptions bounds the assembled context.
type RetrieverOptions struct {
	TopK          int // long-term results
	ContextTurns  int // short-term turns
	SnippetChars  int // per-entry truncation
	QueryMaxChars int // query truncation
}

// DefaultRetrieverOptions returns the standard bounds.
func DefaultRetrieverOptions() RetrieverOptions {
	return RetrieverOptions{TopK: 5, ContextTurns: 10, SnippetChars: 200, QueryMaxChars: 500}
}

// Retriever assembles a bounded memory context from both stores.
type Retriever struct {
	longTerm  *LongTermStore
	shortTerm *ShortTermCache
	opts      atomic.Pointer[RetrieverOptions]
}

// NewRetriever creates a retriever over the given stores.
func NewRetriever(lt *LongTermStore, st *ShortTermCache, opts RetrieverOptions) *Retriever {
	r := &Retriever{longTerm: lt, shortTerm: st}
	r.SetOptions(opts)
	return r
}

// SetOptions replaces the bounds; in-flight calls keep the old ones.
func (r *Retriever) SetOptions(opts RetrieverOptions) {
	def := DefaultRetrieverOptions()
	if opts.TopK < 0 {
		opts.TopK = def.TopK
	}
	if opts.ContextTurns <= 0 {
		opts.ContextTurns = def.ContextTurns
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = def.SnippetChars
	}
	if opts.QueryMaxChars <= 0 {
		opts.QueryMaxChars = def.QueryMaxChars
	}
	r.opts.Store(&opts)
}

// BuildContext returns the memory context for a session, or "" when
// neither store has anything to contribute. Failures are logged and the
// affected section omitted.
func (r *Retriever) BuildContext(ctx context.Context, sessionID, lastUserUtterance string) string {
	opts := r.opts.Load()

	ctx, span := tracer.Start(ctx, "memory.retriever.build_context")
	defer span.End()

	var sections []string

	if turns := r.shortTerm.GetContext(ctx, sessionID); len(turns) > 0 {
		if len(turns) > opts.ContextTurns {
			turns = turns[len(turns)-opts.ContextTurns:]
		}
		lines := make([]string, 0, len(turns)+1)
		lines = append(lines, shortTermHeader)
		for _, t := range turns {
			lines = append(lines, roleLabel(t.Role)+": "+truncateRunes(t.Content, opts.SnippetChars))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	query := strings.TrimSpace(truncateRunes(lastUserUtterance, opts.QueryMaxChars))
	if query != "" && opts.TopK > 0 {
		results, err := r.longTerm.Search(ctx, query, opts.TopK)
		if err != nil {
			slog.Warn("long-term context unavailable", "session", sessionID, "error", err)
		}
		if len(results) > 0 {
			lines := make([]string, 0, len(results)+1)
			lines = append(lines, longTermHeader)
			for _, res := range results {
				lines = append(lines, fmt.Sprintf("[importance: %.1f] %s",
					res.Record.Importance, truncateWithEllipsis(res.Record.Content, opts.SnippetChars)))
			}
			sections = append(sections, strings.Join(lines, "\n"))
		}
		span.SetAttributes(attribute.Int("memory.long_term_results", len(results)))
	}

	return strings.Join(sections, "\n\n")
}

// ExtractQuery returns the most recent user message, truncated to the
// query bound.
func (r *Retriever) ExtractQuery(messages []Turn) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return truncateRunes(messages[i].Content, r.opts.Load().QueryMaxChars)
		}
	}
	return ""
}

// PromptRequest is the part of a model request the retriever may modify.
type PromptRequest struct {
	SessionID    string `json:"session_id"`
	SystemPrompt string `json:"system_prompt"`
	Messages     []Turn `json:"messages"`
}

// Inject builds the memory context for req and appends it to the system
// prompt. A prompt already carrying memory context is left unchanged.
// Returns the injected block, or "" when the prompt was not modified.
func (r *Retriever) Inject(ctx context.Context, req *PromptRequest) string {
	if strings.Contains(req.SystemPrompt, ContextBeginMarker) {
		return ""
	}
	block := r.BuildContext(ctx, req.SessionID, r.ExtractQuery(req.Messages))
	if block == "" {
		return ""
	}
	req.SystemPrompt = InjectContext(req.SystemPrompt, block)
	return block
}

// InjectContext appends block to systemPrompt between the context markers.
func InjectContext(systemPrompt, block string) string {
	if block == "" || strings.Contains(systemPrompt, ContextBeginMarker) {
		return systemPrompt
	}
	return systemPrompt + "\n\n" + ContextBeginMarker + "\n" + block + "\n" + ContextEndMarker + "\n"
}

func roleLabel(r Role) string {
	if r == RoleUser {
		return "User"
	}
	return "Assistant"
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func truncateWithEllipsis(s string, n int) string {
	t := truncateRunes(s, n)
	if len(t) < len(s) {
		return t + "..."
	}
	return t
}
