package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSummarizer struct {
	calls   atomic.Int32
	fail    atomic.Bool
	block   chan struct{} // when set, Summarize waits on it or ctx
	mu      sync.Mutex
	prompts []string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.fail.Load() {
		return "", errors.New("llm unavailable")
	}
	return "summary of the chat", nil
}

func newTestCoordinator(t *testing.T, sum Summarizer) (*Coordinator, *LongTermStore, *ShortTermCache) {
	t.Helper()
	lt := newTestLongTerm(t)
	st := newTestShortTerm(t, 50, 10)
	opts := DefaultCoordinatorOptions()
	opts.Retry = RetryConfig{MaxRetries: 0}
	c := NewCoordinator(lt, st, sum, nil, opts)
	t.Cleanup(c.Close)
	return c, lt, st
}

func countSummaries(t *testing.T, lt *LongTermStore) int {
	t.Helper()
	all, err := lt.ListAll(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	n := 0
	for _, r := range all {
		if r.Metadata[MetaType] == TypeSummary {
			n++
		}
	}
	return n
}

func TestCoordinator_ThresholdTriggersOnce(t *testing.T) {
	sum := &fakeSummarizer{}
	c, lt, _ := newTestCoordinator(t, sum)
	ctx := context.Background()

	for i := 1; i <= 19; i++ {
		if err := c.OnMessage(ctx, "s", fmt.Sprintf("message %d", i)); err != nil {
			t.Fatalf("OnMessage: %v", err)
		}
	}
	c.Wait()
	if n := sum.calls.Load(); n != 0 {
		t.Fatalf("summarized after 19 messages: %d calls", n)
	}
	if got := c.TurnCount(ctx, "s"); got != 19 {
		t.Errorf("turn count = %d, want 19", got)
	}

	c.OnMessage(ctx, "s", "message 20")
	c.Wait()
	if n := sum.calls.Load(); n != 1 {
		t.Fatalf("calls after 20 messages = %d, want 1", n)
	}
	if got := c.TurnCount(ctx, "s"); got != 0 {
		t.Errorf("turn count after trigger = %d, want 0", got)
	}

	for i := 21; i <= 39; i++ {
		c.OnMessage(ctx, "s", fmt.Sprintf("message %d", i))
	}
	c.Wait()
	if n := sum.calls.Load(); n != 1 {
		t.Errorf("messages 21-39 re-triggered: %d calls", n)
	}

	if n := countSummaries(t, lt); n != 1 {
		t.Errorf("summary records = %d, want 1", n)
	}

	all, _ := lt.ListAll(ctx, 0, 0)
	for _, r := range all {
		if r.Metadata[MetaType] == TypeSummary {
			if r.Importance != 0.7 || r.Content != "summary of the chat" || r.SessionID != "s" {
				t.Errorf("summary record = %+v", r)
			}
		}
	}
}

func TestCoordinator_SummaryPromptUsesLastTurns(t *testing.T) {
	sum := &fakeSummarizer{}
	c, _, _ := newTestCoordinator(t, sum)
	ctx := context.Background()

	for i := 1; i <= 20; i++ {
		c.OnMessage(ctx, "s", fmt.Sprintf("turn-%02d %s", i, strings.Repeat("z", 300)))
	}
	c.Wait()

	sum.mu.Lock()
	defer sum.mu.Unlock()
	if len(sum.prompts) != 1 {
		t.Fatalf("prompts = %d", len(sum.prompts))
	}
	p := sum.prompts[0]
	if strings.Contains(p, "turn-10 ") || !strings.Contains(p, "turn-11 ") || !strings.Contains(p, "turn-20 ") {
		t.Errorf("prompt should cover turns 11-20:\n%s", p)
	}
	for _, line := range strings.Split(p, "\n") {
		if strings.HasPrefix(line, "user: ") && len([]rune(strings.TrimPrefix(line, "user: "))) > 200 {
			t.Errorf("turn not truncated to 200 runes: %d", len(line))
		}
	}
}

func TestCoordinator_FailedSummaryStillResets(t *testing.T) {
	sum := &fakeSummarizer{}
	sum.fail.Store(true)
	c, lt, _ := newTestCoordinator(t, sum)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		c.OnMessage(ctx, "s", "hello")
	}
	c.Wait()

	if n := sum.calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
	if got := c.TurnCount(ctx, "s"); got != 0 {
		t.Errorf("turn count after failed summary = %d, want 0", got)
	}
	if n := countSummaries(t, lt); n != 0 {
		t.Errorf("failed summary stored %d records", n)
	}

	got, err := c.Summarize(ctx, "s")
	if got != "" || !errors.Is(err, ErrSummarization) {
		t.Errorf("Summarize = %q, %v; want empty + ErrSummarization", got, err)
	}
}

func TestCoordinator_SummarizeEmptySession(t *testing.T) {
	sum := &fakeSummarizer{}
	c, _, _ := newTestCoordinator(t, sum)

	got, err := c.Summarize(context.Background(), "empty")
	if got != "" || err != nil {
		t.Errorf("Summarize(empty) = %q, %v", got, err)
	}
	if sum.calls.Load() != 0 {
		t.Error("summarizer called for empty session")
	}
}

func TestCoordinator_SessionsCountIndependently(t *testing.T) {
	sum := &fakeSummarizer{}
	c, _, _ := newTestCoordinator(t, sum)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		c.OnMessage(ctx, "a", "x")
		c.OnMessage(ctx, "b", "y")
	}
	c.Wait()
	if sum.calls.Load() != 0 {
		t.Errorf("sessions share a counter")
	}
}

func TestCoordinator_OnResponseDistills(t *testing.T) {
	c, lt, st := newTestCoordinator(t, &fakeSummarizer{})
	ctx := context.Background()

	if err := c.OnResponse(ctx, "s", "short reply"); err != nil {
		t.Fatalf("OnResponse: %v", err)
	}
	if n, _ := lt.Count(ctx); n != 0 {
		t.Errorf("short reply stored in long-term: %d", n)
	}

	exactly100 := strings.Repeat("a", 100)
	c.OnResponse(ctx, "s", exactly100)
	if n, _ := lt.Count(ctx); n != 0 {
		t.Errorf("100-char reply stored in long-term: %d", n)
	}

	long := strings.Repeat("b", 101)
	c.OnResponse(ctx, "s", long)
	all, _ := lt.ListAll(ctx, 0, 0)
	if len(all) != 1 {
		t.Fatalf("long-term records = %d, want 1", len(all))
	}
	if all[0].Importance != 0.5 || all[0].Metadata[MetaSource] != SourceResponse {
		t.Errorf("distilled record = %+v", all[0])
	}

	turns := st.GetContext(ctx, "s")
	if len(turns) != 3 || turns[2].Role != RoleAssistant {
		t.Errorf("responses not in short-term: %+v", turns)
	}
}

func TestCoordinator_ResetSession(t *testing.T) {
	c, _, st := newTestCoordinator(t, &fakeSummarizer{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		c.OnMessage(ctx, "s", "x")
	}
	if err := c.ResetSession(ctx, "s"); err != nil {
		t.Fatalf("ResetSession: %v", err)
	}
	if c.TurnCount(ctx, "s") != 0 {
		t.Error("counter not reset")
	}
	if len(st.GetContext(ctx, "s")) != 0 {
		t.Error("short-term not cleared")
	}
}

func TestCoordinator_RunDecay(t *testing.T) {
	c, lt, _ := newTestCoordinator(t, nil)
	ctx := context.Background()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lt.now = func() time.Time { return start }
	id, _ := lt.Add(ctx, "ancient fact", "s", 0.5, nil)

	c.now = func() time.Time { return start.Add(60 * 24 * time.Hour) }
	if n, err := c.RunDecay(ctx); err != nil || n != 1 {
		t.Fatalf("RunDecay = %d, %v", n, err)
	}
	rec, _ := lt.Get(ctx, id)
	if rec.DecayScore != DecayFactor {
		t.Errorf("decay = %v", rec.DecayScore)
	}

	opts := c.Options()
	opts.DecayEnabled = false
	c.SetOptions(opts)
	if n, _ := c.RunDecay(ctx); n != 0 {
		t.Errorf("decay ran while disabled: %d", n)
	}
}

func TestCoordinator_CloseCancelsInflight(t *testing.T) {
	sum := &fakeSummarizer{block: make(chan struct{})}
	lt := newTestLongTerm(t)
	st := newTestShortTerm(t, 50, 10)
	opts := DefaultCoordinatorOptions()
	opts.SummaryThreshold = 1
	opts.Retry = RetryConfig{MaxRetries: 0}
	c := NewCoordinator(lt, st, sum, nil, opts)
	c.StartDecayLoop()

	c.OnMessage(context.Background(), "s", "trigger")

	deadline := time.Now().Add(5 * time.Second)
	for sum.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel in-flight summary")
	}

	// No new background work after close.
	c.OnMessage(context.Background(), "s", "after close")
	c.Wait()
	if n := sum.calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestMemoryCounter_Tick(t *testing.T) {
	m := NewMemoryCounter()
	ctx := context.Background()

	var fires int
	for i := 0; i < 45; i++ {
		_, fire, _ := m.Tick(ctx, "s", 20)
		if fire {
			fires++
		}
	}
	if fires != 2 {
		t.Errorf("fires = %d, want 2", fires)
	}
	if n, _ := m.Count(ctx, "s"); n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}

func TestMemoryCounter_ConcurrentFiresOnce(t *testing.T) {
	m := NewMemoryCounter()
	ctx := context.Background()

	var fires atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, fire, _ := m.Tick(ctx, "s", 20); fire {
				fires.Add(1)
			}
		}()
	}
	wg.Wait()
	if fires.Load() != 1 {
		t.Errorf("fires = %d, want exactly 1", fires.Load())
	}
}
