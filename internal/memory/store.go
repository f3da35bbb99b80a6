// Package memory implements the hybrid conversational memory engine:
// a durable, importance- and recency-weighted long-term store, a bounded
// per-session short-term window backed by a durable log, a retriever that
// assembles prompt context from both, and a coordinator that distills
// sessions into long-term records.
package memory

import (
	"context"
	"time"
)

// Role is the author of a short-term message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// LongTermRecord is a durable memory entry.
type LongTermRecord struct {
	ID             int64             `json:"id"`
	SessionID      string            `json:"session_id"`
	Content        string            `json:"content"`
	Importance     float64           `json:"importance"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed"`
	AccessCount    int               `json:"access_count"`
	DecayScore     float64           `json:"decay_score"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SearchResult is a long-term record with its relevance to a query.
type SearchResult struct {
	Record    LongTermRecord `json:"record"`
	Relevance float64        `json:"relevance"`
}

// ShortTermMessage is one turn of a session's conversation log.
type ShortTermMessage struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Turn is the (role, content) projection used for prompt assembly.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SessionSummary describes one session in the durable log.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	FirstMessage time.Time `json:"first_message"`
	LastMessage  time.Time `json:"last_message"`
}

// CacheStats summarizes the short-term cache.
type CacheStats struct {
	SessionCount     int `json:"session_count"`
	MessageCount     int `json:"message_count"`
	ResidentSessions int `json:"resident_sessions"`
}

// Summarizer turns a prompt into a short summary. Implementations live in
// internal/providers; any LLM client can satisfy it.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Scorer computes the lexical or semantic overlap between a query and a
// record's content, in [0,1]. Only LexicalScorer gets the full-text
// prefilter; any other Scorer is offered every record.
type Scorer interface {
	Overlap(query, content string) float64
}

// Metadata keys and values attached to distilled records.
const (
	MetaSource  = "source"
	MetaType    = "type"
	MetaSession = "session_id"

	SourceResponse = "response"
	SourceSummary  = "summary"
	SourceManual   = "manual"
	TypeSummary    = "summary"
)

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
