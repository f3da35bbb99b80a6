package providers

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

const extractiveMaxChars = 600

// ExtractiveProvider builds a summary without a model: the first sentence
// of each user turn in the prompt, in order, deduplicated. It needs no
// network access, so it is the default and the fallback.
type ExtractiveProvider struct{}

func NewExtractiveProvider() *ExtractiveProvider { return &ExtractiveProvider{} }

func (p *ExtractiveProvider) Name() string { return "extractive" }

// Summarize extracts from "user: ..." lines of the prompt.
func (p *ExtractiveProvider) Summarize(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var points []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(prompt, "\n") {
		content, ok := strings.CutPrefix(line, "user: ")
		if !ok {
			continue
		}
		s := firstSentence(strings.TrimSpace(content))
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		points = append(points, s)
	}
	if len(points) == 0 {
		return "", fmt.Errorf("extractive: no user turns in prompt")
	}

	summary := "User discussed: " + strings.Join(points, "; ")
	if utf8.RuneCountInString(summary) > extractiveMaxChars {
		summary = string([]rune(summary)[:extractiveMaxChars]) + "..."
	}
	return summary, nil
}

// sentenceEnds covers ASCII and full-width (CJK) terminators.
const sentenceEnds = ".!?\n。！？"

func firstSentence(s string) string {
	if i := strings.IndexAny(s, sentenceEnds); i >= 0 {
		_, size := utf8.DecodeRuneInString(s[i:])
		return strings.TrimSpace(s[:i+size])
	}
	return s
}
