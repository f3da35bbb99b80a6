package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
)

// CoordinatorOptions holds the distillation and decay tunables.
type CoordinatorOptions struct {
	SummaryThreshold   int
	SummaryWindow      int
	SnippetChars       int
	DistillMinChars    int
	ResponseImportance float64
	SummaryImportance  float64
	SummaryTimeout     time.Duration
	Retry              RetryConfig
	DecayEnabled       bool
	DecayDays          int
	DecaySchedule      string
}

// DefaultCoordinatorOptions returns the standard tunables.
func DefaultCoordinatorOptions() CoordinatorOptions {
	return CoordinatorOptions{
		SummaryThreshold:   20,
		SummaryWindow:      10,
		SnippetChars:       200,
		DistillMinChars:    100,
		ResponseImportance: 0.5,
		SummaryImportance:  0.7,
		SummaryTimeout:     60 * time.Second,
		Retry:              DefaultRetryConfig(),
		DecayEnabled:       true,
		DecayDays:          30,
		DecaySchedule:      "@daily",
	}
}

// Coordinator records conversation turns and distills them into long-term
// memory. Summaries run in the background; Close cancels and awaits them.
type Coordinator struct {
	longTerm   *LongTermStore
	shortTerm  *ShortTermCache
	summarizer Summarizer
	counter    TurnCounter
	opts       atomic.Pointer[CoordinatorOptions]

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex // guards closed and wg.Add
	closed  bool
	wg      sync.WaitGroup // background summaries
	loopWG  sync.WaitGroup // decay loop
	loopOn  atomic.Bool

	now func() time.Time
}

// NewCoordinator wires a coordinator. A nil summarizer disables
// summarization; a nil counter uses an in-process MemoryCounter.
func NewCoordinator(lt *LongTermStore, st *ShortTermCache, summarizer Summarizer, counter TurnCounter, opts CoordinatorOptions) *Coordinator {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		longTerm:   lt,
		shortTerm:  st,
		summarizer: summarizer,
		counter:    counter,
		baseCtx:    ctx,
		cancel:     cancel,
		now:        time.Now,
	}
	c.SetOptions(opts)
	return c
}

// SetOptions replaces the tunables. Zero values fall back to defaults.
func (c *Coordinator) SetOptions(opts CoordinatorOptions) {
	def := DefaultCoordinatorOptions()
	if opts.SummaryThreshold <= 0 {
		opts.SummaryThreshold = def.SummaryThreshold
	}
	if opts.SummaryWindow <= 0 {
		opts.SummaryWindow = def.SummaryWindow
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = def.SnippetChars
	}
	if opts.DistillMinChars <= 0 {
		opts.DistillMinChars = def.DistillMinChars
	}
	if opts.SummaryTimeout <= 0 {
		opts.SummaryTimeout = def.SummaryTimeout
	}
	if opts.DecaySchedule == "" {
		opts.DecaySchedule = def.DecaySchedule
	}
	c.opts.Store(&opts)
}

// Options returns the current tunables.
func (c *Coordinator) Options() CoordinatorOptions {
	return *c.opts.Load()
}

// OnMessage records an inbound user message. Every SummaryThreshold-th
// message of a session starts a background summary; the counter is reset
// before the summary runs, whatever its outcome.
func (c *Coordinator) OnMessage(ctx context.Context, sessionID, content string) error {
	sessionID, err := normalizeSession(sessionID)
	if err != nil {
		return err
	}
	if _, err := c.shortTerm.Append(ctx, sessionID, RoleUser, content); err != nil {
		return err
	}

	opts := c.opts.Load()
	count, fire, err := c.counter.Tick(ctx, sessionID, opts.SummaryThreshold)
	if err != nil {
		slog.Warn("turn counter unavailable", "session", sessionID, "error", err)
		return nil
	}
	slog.Debug("turn recorded", "session", sessionID, "count", count)

	if fire {
		slog.Info("summary threshold reached", "session", sessionID, "threshold", opts.SummaryThreshold)
		c.summarizeAsync(sessionID)
	}
	return nil
}

func (c *Coordinator) summarizeAsync(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.Summarize(c.baseCtx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("session summary dropped", "session", sessionID, "error", err)
		}
	}()
}

// OnResponse records an assistant response. Responses longer than
// DistillMinChars runes are also stored as long-term memories.
func (c *Coordinator) OnResponse(ctx context.Context, sessionID, content string) error {
	sessionID, err := normalizeSession(sessionID)
	if err != nil {
		return err
	}
	if _, err := c.shortTerm.Append(ctx, sessionID, RoleAssistant, content); err != nil {
		return err
	}

	opts := c.opts.Load()
	if utf8.RuneCountInString(content) <= opts.DistillMinChars {
		return nil
	}
	_, err = c.longTerm.Add(ctx, content, sessionID, opts.ResponseImportance, map[string]string{
		MetaSource: SourceResponse,
	})
	if err != nil {
		slog.Warn("response not stored in long-term memory", "session", sessionID, "error", err)
	}
	return nil
}

// Summarize distills the recent turns of a session into a long-term record.
// An empty session yields "" and no error. Summarizer failures yield "" and
// an error wrapping ErrSummarization.
func (c *Coordinator) Summarize(ctx context.Context, sessionID string) (string, error) {
	if c.summarizer == nil {
		return "", fmt.Errorf("%w: no summarizer configured", ErrSummarization)
	}
	opts := c.opts.Load()

	ctx, span := tracer.Start(ctx, "memory.coordinator.summarize")
	defer span.End()

	turns := c.shortTerm.GetContext(ctx, sessionID)
	if len(turns) == 0 {
		return "", nil
	}
	if len(turns) > opts.SummaryWindow {
		turns = turns[len(turns)-opts.SummaryWindow:]
	}
	prompt := SummaryPrompt(turns, opts.SnippetChars)
	span.SetAttributes(attribute.Int("memory.summary_turns", len(turns)))

	summary, attempts, err := ExecuteWithRetry(ctx, opts.Retry, func(ctx context.Context) (string, error) {
		callCtx, cancel := context.WithTimeout(ctx, opts.SummaryTimeout)
		defer cancel()
		return c.summarizer.Summarize(callCtx, prompt)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		slog.Error("summarize session failed", "session", sessionID, "attempts", attempts, "error", err)
		return "", fmt.Errorf("%w: %w", ErrSummarization, err)
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("%w: empty summary", ErrSummarization)
	}

	id, err := c.longTerm.Add(ctx, summary, sessionID, opts.SummaryImportance, map[string]string{
		MetaType:   TypeSummary,
		MetaSource: SourceSummary,
	})
	if err != nil {
		slog.Warn("summary not stored in long-term memory", "session", sessionID, "error", err)
	} else {
		slog.Info("session summarized", "session", sessionID, "memory_id", id, "attempts", attempts)
	}
	return summary, nil
}

// SummaryPrompt renders turns as the summarization prompt.
func SummaryPrompt(turns []Turn, snippetChars int) string {
	var sb strings.Builder
	sb.WriteString("Summarize the key points of the following conversation:\n\n")
	for _, t := range turns {
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(truncateRunes(t.Content, snippetChars))
		sb.WriteString("\n")
	}
	sb.WriteString("\nSummarize the key information concisely:")
	return sb.String()
}

// TurnCount returns the session's turns since the last summary.
func (c *Coordinator) TurnCount(ctx context.Context, sessionID string) int {
	sessionID, err := normalizeSession(sessionID)
	if err != nil {
		return 0
	}
	n, err := c.counter.Count(ctx, sessionID)
	if err != nil {
		slog.Warn("turn counter unavailable", "session", sessionID, "error", err)
	}
	return n
}

// ResetSession clears the session's short-term log and turn counter.
func (c *Coordinator) ResetSession(ctx context.Context, sessionID string) error {
	sessionID, err := normalizeSession(sessionID)
	if err != nil {
		return err
	}
	if err := c.shortTerm.ClearSession(ctx, sessionID); err != nil {
		return err
	}
	if err := c.counter.Reset(ctx, sessionID); err != nil {
		slog.Warn("turn counter reset failed", "session", sessionID, "error", err)
	}
	return nil
}

// RunDecay applies one decay sweep now, if decay is enabled.
func (c *Coordinator) RunDecay(ctx context.Context) (int64, error) {
	opts := c.opts.Load()
	if !opts.DecayEnabled {
		return 0, nil
	}
	return c.longTerm.DecaySweep(ctx, c.now(), opts.DecayDays)
}

// StartDecayLoop runs decay sweeps on the DecaySchedule cron expression
// until Close. Calling it more than once has no effect.
func (c *Coordinator) StartDecayLoop() {
	if !c.loopOn.CompareAndSwap(false, true) {
		return
	}
	c.loopWG.Add(1)
	go c.decayLoop()
	slog.Info("decay loop started", "schedule", c.opts.Load().DecaySchedule)
}

func (c *Coordinator) decayLoop() {
	defer c.loopWG.Done()

	for {
		opts := c.opts.Load()
		next, err := gronx.NextTickAfter(opts.DecaySchedule, c.now(), false)
		if err != nil {
			slog.Error("invalid decay schedule, using daily", "schedule", opts.DecaySchedule, "error", err)
			next = c.now().Add(24 * time.Hour)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-c.baseCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := c.RunDecay(c.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("scheduled decay sweep failed", "error", err)
		}
	}
}

// Wait blocks until in-flight background summaries finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels background work and waits for it to end.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.loopWG.Wait()
}

func normalizeSession(sessionID string) (string, error) {
	sid, err := config.NormalizeSessionID(sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return sid, nil
}
