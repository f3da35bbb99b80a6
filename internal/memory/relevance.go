package memory

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minTokenRunes drops single-letter words, which would prefix-match almost anything.
const minTokenRunes = 2

// LexicalScorer is the default Scorer: the fraction of query tokens found
// in the content. A query token matches a content token when the content
// token starts with it after plural stemming, so "dog" matches "dogs" and
// "dogs" matches "dog".
type LexicalScorer struct{}

// Overlap returns matched query tokens / total query tokens.
func (LexicalScorer) Overlap(query, content string) float64 {
	terms := QueryTerms(query)
	if len(terms) == 0 {
		return 0
	}
	tokens := Tokenize(content)
	if len(tokens) == 0 {
		return 0
	}

	matched := 0
	for _, term := range terms {
		for _, tok := range tokens {
			if strings.HasPrefix(tok, term) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(terms))
}

// Tokenize splits s into lower-cased runs of letters and digits, dropping
// tokens shorter than two runes and duplicates. Han, Kana and Hangul
// characters carry no word boundaries, so each one is its own token.
// Order of first occurrence is preserved.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	add := func(tok string, minRunes int) {
		if utf8.RuneCountInString(tok) < minRunes {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}

	for _, f := range fields {
		start := 0
		for i, r := range f {
			if !isCJK(r) {
				continue
			}
			add(f[start:i], minTokenRunes)
			add(string(r), 1)
			start = i + utf8.RuneLen(r)
		}
		add(f[start:], minTokenRunes)
	}
	return out
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func hasCJKTerm(terms []string) bool {
	for _, t := range terms {
		for _, r := range t {
			if isCJK(r) {
				return true
			}
		}
	}
	return false
}

// QueryTerms tokenizes a query and stems each token. The result is what
// both the scorer and the FTS prefilter match against.
func QueryTerms(query string) []string {
	tokens := Tokenize(query)
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		s := stem(tok)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// stem strips a plural "s" from words longer than three runes ("dogs" ->
// "dog", but not "bus" or "class").
func stem(tok string) string {
	if utf8.RuneCountInString(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
		return tok[:len(tok)-1]
	}
	return tok
}

// ftsQuery builds an FTS5 MATCH expression that selects every row
// containing at least one token with a query term as prefix. Terms contain
// only letters and digits, so quoting is sufficient escaping.
func ftsQuery(terms []string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = `"` + t + `"*`
	}
	return strings.Join(parts, " OR ")
}

// relevance combines overlap with the record's importance and decay.
func relevance(overlap float64, rec LongTermRecord) float64 {
	return overlap * (0.5 + 0.5*rec.Importance) * rec.DecayScore
}
