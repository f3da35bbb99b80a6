package memory

import (
	"context"
	"strings"
	"testing"
)

func newTestRetriever(t *testing.T) (*Retriever, *LongTermStore, *ShortTermCache) {
	t.Helper()
	lt := newTestLongTerm(t)
	st := newTestShortTerm(t, 50, 10)
	return NewRetriever(lt, st, DefaultRetrieverOptions()), lt, st
}

func TestRetriever_EmptyContext(t *testing.T) {
	r, _, _ := newTestRetriever(t)
	if got := r.BuildContext(context.Background(), "nobody", ""); got != "" {
		t.Errorf("BuildContext = %q, want empty", got)
	}
}

func TestRetriever_BothSections(t *testing.T) {
	r, lt, st := newTestRetriever(t)
	ctx := context.Background()

	st.Append(ctx, "s", RoleUser, "do you remember my pet?")
	st.Append(ctx, "s", RoleAssistant, "tell me more")
	lt.Add(ctx, "the user has two dogs", "s", 0.7, nil)

	got := r.BuildContext(ctx, "s", "my dogs")

	want := shortTermHeader + "\n" +
		"User: do you remember my pet?\n" +
		"Assistant: tell me more\n\n" +
		longTermHeader + "\n" +
		"[importance: 0.7] the user has two dogs"
	if got != want {
		t.Errorf("BuildContext =\n%s\nwant\n%s", got, want)
	}
}

func TestRetriever_OmitsEmptySections(t *testing.T) {
	r, lt, st := newTestRetriever(t)
	ctx := context.Background()

	lt.Add(ctx, "favourite colour is blue", "other", 0.5, nil)
	got := r.BuildContext(ctx, "s", "colour")
	if strings.Contains(got, shortTermHeader) {
		t.Errorf("short-term section should be omitted: %q", got)
	}
	if !strings.HasPrefix(got, longTermHeader) {
		t.Errorf("long-term section missing: %q", got)
	}

	st.Append(ctx, "s2", RoleUser, "hello")
	got = r.BuildContext(ctx, "s2", "   ")
	if strings.Contains(got, longTermHeader) {
		t.Errorf("blank query should skip long-term search: %q", got)
	}
}

func TestRetriever_Truncation(t *testing.T) {
	r, lt, st := newTestRetriever(t)
	ctx := context.Background()

	long := strings.Repeat("é", 250)
	st.Append(ctx, "s", RoleUser, long)
	lt.Add(ctx, "tokyo "+strings.Repeat("x", 300), "s", 0.5, nil)

	got := r.BuildContext(ctx, "s", "tokyo")
	lines := strings.Split(got, "\n")

	userLine := lines[1]
	if want := "User: " + strings.Repeat("é", 200); userLine != want {
		t.Errorf("short-term entry not truncated to 200 runes: %d runes", len([]rune(userLine)))
	}
	ltLine := lines[len(lines)-1]
	if !strings.HasSuffix(ltLine, "...") {
		t.Errorf("long-term entry missing ellipsis: %q", ltLine)
	}
	body := strings.TrimPrefix(ltLine, "[importance: 0.5] ")
	if n := len([]rune(strings.TrimSuffix(body, "..."))); n != 200 {
		t.Errorf("long-term entry = %d runes, want 200", n)
	}
}

func TestRetriever_ContextTurnsBound(t *testing.T) {
	r, _, st := newTestRetriever(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		st.Append(ctx, "s", RoleUser, "line")
	}
	got := r.BuildContext(ctx, "s", "")
	if n := strings.Count(got, "User: "); n != 10 {
		t.Errorf("short-term turns = %d, want 10", n)
	}
}

func TestRetriever_ExtractQuery(t *testing.T) {
	r, _, _ := newTestRetriever(t)

	msgs := []Turn{
		{RoleUser, "first question"},
		{RoleAssistant, "an answer"},
		{RoleUser, strings.Repeat("q", 600)},
		{RoleAssistant, "trailing"},
	}
	got := r.ExtractQuery(msgs)
	if len(got) != 500 {
		t.Errorf("query length = %d, want 500", len(got))
	}
	if r.ExtractQuery([]Turn{{RoleAssistant, "x"}}) != "" {
		t.Error("expected empty query without user messages")
	}
}

func TestRetriever_InjectIdempotent(t *testing.T) {
	r, lt, _ := newTestRetriever(t)
	ctx := context.Background()
	lt.Add(ctx, "the user speaks french", "s", 0.9, nil)

	req := &PromptRequest{
		SessionID:    "s",
		SystemPrompt: "You are helpful.",
		Messages:     []Turn{{RoleUser, "which language do I speak? french?"}},
	}
	block := r.Inject(ctx, req)
	if block == "" {
		t.Fatal("expected injection")
	}
	if !strings.Contains(req.SystemPrompt, ContextBeginMarker+"\n"+block+"\n"+ContextEndMarker) {
		t.Errorf("returned block not the injected one: %q", block)
	}
	if !strings.HasPrefix(req.SystemPrompt, "You are helpful.\n\n"+ContextBeginMarker+"\n") {
		t.Errorf("prompt = %q", req.SystemPrompt)
	}
	if !strings.HasSuffix(req.SystemPrompt, "\n"+ContextEndMarker+"\n") {
		t.Errorf("prompt missing end marker: %q", req.SystemPrompt)
	}

	first := req.SystemPrompt
	if block := r.Inject(ctx, req); block != "" {
		t.Errorf("second injection returned %q, want no-op", block)
	}
	if req.SystemPrompt != first {
		t.Error("prompt changed on second injection")
	}
}

func TestInjectContext_EmptyBlock(t *testing.T) {
	if got := InjectContext("base", ""); got != "base" {
		t.Errorf("InjectContext with empty block = %q", got)
	}
}
