package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
)

// ShortTermCache keeps a bounded window of recent messages per session in
// memory, backed by a durable log that is never trimmed.
//
// Each session has its own mutex; operations on different sessions never
// share a lock. At most maxResident windows are held in memory. Windows
// evicted from the residency LRU are reloaded from the log on next access.
type ShortTermCache struct {
	db          *sqlx.DB
	maxMessages int

	mu       sync.Mutex // guards sessions
	sessions map[string]*sessionEntry
	resident *lru.Cache[string, *sessionEntry]

	now func() time.Time
}

// sessionEntry holds one session's resident window.
// Lock order: entry.mu, then ShortTermCache.mu. The eviction callback only
// ever TryLocks an entry.
type sessionEntry struct {
	mu      sync.Mutex
	window  []ShortTermMessage
	loaded  bool
	dropped bool        // removed from the sessions map; callers must re-resolve
	stale   atomic.Bool // evicted while locked; reload on next access
}

type messageRow struct {
	ID        int64  `db:"id"`
	SessionID string `db:"session_id"`
	Role      string `db:"role"`
	Content   string `db:"content"`
	Timestamp int64  `db:"timestamp"`
}

func (r messageRow) message() ShortTermMessage {
	return ShortTermMessage{
		ID:        r.ID,
		SessionID: r.SessionID,
		Role:      Role(r.Role),
		Content:   r.Content,
		Timestamp: fromMillis(r.Timestamp),
	}
}

// OpenShortTermCache opens the durable log and creates an empty cache.
func OpenShortTermCache(ctx context.Context, opts StorageOptions, maxMessages, maxResident int) (*ShortTermCache, error) {
	if maxMessages <= 0 {
		maxMessages = 50
	}
	if maxResident <= 0 {
		maxResident = 1000
	}

	db, err := openDB(ctx, opts, shortTermSQLiteSchema, shortTermPostgresSchema)
	if err != nil {
		return nil, fmt.Errorf("%w: short-term log: %w", ErrInitialization, err)
	}

	c := &ShortTermCache{
		db:          db,
		maxMessages: maxMessages,
		sessions:    make(map[string]*sessionEntry),
		now:         time.Now,
	}
	c.resident, err = lru.NewWithEvict(maxResident, c.onEvict)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create residency cache: %w", err)
	}

	slog.Info("short-term memory opened", "target", opts.describe(), "max_messages", maxMessages, "max_resident", maxResident)
	return c, nil
}

// MaxMessages returns the per-session window bound.
func (c *ShortTermCache) MaxMessages() int {
	return c.maxMessages
}

// onEvict drops an evicted session's window. If the entry is busy it is
// only marked stale, and the holder reloads it on its next access.
func (c *ShortTermCache) onEvict(sessionID string, e *sessionEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions[sessionID] != e {
		return
	}
	if !e.mu.TryLock() {
		e.stale.Store(true)
		return
	}
	delete(c.sessions, sessionID)
	e.dropped = true
	e.window = nil
	e.loaded = false
	e.mu.Unlock()
}

// entry returns the session entry, creating it if needed.
func (c *ShortTermCache) entry(sessionID string) *sessionEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.sessions[sessionID]
	if !ok {
		e = &sessionEntry{}
		c.sessions[sessionID] = e
	}
	return e
}

// withSession runs fn with the session's lock held. Entries dropped between
// lookup and lock are re-resolved.
func (c *ShortTermCache) withSession(sessionID string, fn func(e *sessionEntry) error) error {
	for {
		e := c.entry(sessionID)
		e.mu.Lock()
		if e.dropped {
			e.mu.Unlock()
			continue
		}
		err := fn(e)
		if e.loaded {
			c.resident.Add(sessionID, e)
		}
		e.mu.Unlock()
		return err
	}
}

// ensureLoaded loads the log tail into the window. Caller holds e.mu.
func (c *ShortTermCache) ensureLoaded(ctx context.Context, sessionID string, e *sessionEntry) error {
	if e.stale.CompareAndSwap(true, false) {
		e.window = nil
		e.loaded = false
	}
	if e.loaded {
		return nil
	}

	var rows []messageRow
	err := c.db.SelectContext(ctx, &rows, c.db.Rebind(`SELECT id, session_id, role, content, timestamp
		FROM short_term_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?`), sessionID, c.maxMessages)
	if err != nil {
		return fmt.Errorf("%w: load session window: %w", ErrStorage, err)
	}

	window := make([]ShortTermMessage, len(rows))
	for i, row := range rows {
		window[len(rows)-1-i] = row.message()
	}
	e.window = window
	e.loaded = true
	return nil
}

// Append writes a message to the session log and its window.
func (c *ShortTermCache) Append(ctx context.Context, sessionID string, role Role, content string) (int64, error) {
	sid, err := config.NormalizeSessionID(sessionID)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !role.Valid() {
		return -1, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	if strings.TrimSpace(content) == "" {
		return -1, fmt.Errorf("%w: content is empty", ErrValidation)
	}

	var id int64
	err = c.withSession(sid, func(e *sessionEntry) error {
		ts := c.now()
		err := c.db.QueryRowxContext(ctx, c.db.Rebind(`INSERT INTO short_term_messages (session_id, role, content, timestamp)
			VALUES (?, ?, ?, ?) RETURNING id`), sid, string(role), content, toMillis(ts)).Scan(&id)
		if err != nil {
			slog.Error("append short-term message failed", "session", sid, "error", err)
			return fmt.Errorf("%w: append: %w", ErrStorage, err)
		}

		if e.loaded && !e.stale.Load() {
			e.window = append(e.window, ShortTermMessage{
				ID:        id,
				SessionID: sid,
				Role:      role,
				Content:   content,
				Timestamp: fromMillis(toMillis(ts)),
			})
			if over := len(e.window) - c.maxMessages; over > 0 {
				e.window = append(e.window[:0:0], e.window[over:]...)
			}
			return nil
		}
		return c.ensureLoaded(ctx, sid, e)
	})
	if err != nil {
		return -1, err
	}
	return id, nil
}

// GetWindow returns the last limit messages of the session in chronological
// order. limit <= 0 or beyond the window bound means the whole window.
func (c *ShortTermCache) GetWindow(ctx context.Context, sessionID string, limit int) ([]ShortTermMessage, error) {
	sid, err := config.NormalizeSessionID(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if limit <= 0 || limit > c.maxMessages {
		limit = c.maxMessages
	}

	var out []ShortTermMessage
	err = c.withSession(sid, func(e *sessionEntry) error {
		if err := c.ensureLoaded(ctx, sid, e); err != nil {
			return err
		}
		start := max(len(e.window)-limit, 0)
		out = make([]ShortTermMessage, len(e.window)-start)
		copy(out, e.window[start:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetContext returns the session window as (role, content) turns.
// Errors are logged and yield an empty context.
func (c *ShortTermCache) GetContext(ctx context.Context, sessionID string) []Turn {
	msgs, err := c.GetWindow(ctx, sessionID, c.maxMessages)
	if err != nil {
		slog.Warn("short-term context unavailable", "session", sessionID, "error", err)
		return nil
	}
	turns := make([]Turn, len(msgs))
	for i, m := range msgs {
		turns[i] = Turn{Role: m.Role, Content: m.Content}
	}
	return turns
}

// sessionOf returns the session owning a message id.
func (c *ShortTermCache) sessionOf(ctx context.Context, id int64) (string, bool, error) {
	var sid string
	err := c.db.GetContext(ctx, &sid, c.db.Rebind(`SELECT session_id FROM short_term_messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: lookup message: %w", ErrStorage, err)
	}
	return sid, true, nil
}

// Update replaces a message's content in the log and the resident window.
func (c *ShortTermCache) Update(ctx context.Context, id int64, content string) (bool, error) {
	if strings.TrimSpace(content) == "" {
		return false, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	sid, ok, err := c.sessionOf(ctx, id)
	if err != nil || !ok {
		return false, err
	}

	var updated bool
	err = c.withSession(sid, func(e *sessionEntry) error {
		res, err := c.db.ExecContext(ctx, c.db.Rebind(`UPDATE short_term_messages SET content = ? WHERE id = ?`), content, id)
		if err != nil {
			return fmt.Errorf("%w: update message: %w", ErrStorage, err)
		}
		n, _ := res.RowsAffected()
		updated = n > 0
		for i := range e.window {
			if e.window[i].ID == id {
				e.window[i].Content = content
				break
			}
		}
		return nil
	})
	return updated, err
}

// Delete removes a message from the log and the resident window.
func (c *ShortTermCache) Delete(ctx context.Context, id int64) (bool, error) {
	sid, ok, err := c.sessionOf(ctx, id)
	if err != nil || !ok {
		return false, err
	}

	var deleted bool
	err = c.withSession(sid, func(e *sessionEntry) error {
		res, err := c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM short_term_messages WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("%w: delete message: %w", ErrStorage, err)
		}
		n, _ := res.RowsAffected()
		deleted = n > 0
		for i := range e.window {
			if e.window[i].ID == id {
				e.window = append(e.window[:i:i], e.window[i+1:]...)
				break
			}
		}
		// The window may now be shorter than the log tail allows.
		if deleted && e.loaded {
			e.loaded = false
			return c.ensureLoaded(ctx, sid, e)
		}
		return nil
	})
	return deleted, err
}

// ClearSession deletes the session's log and drops its window.
func (c *ShortTermCache) ClearSession(ctx context.Context, sessionID string) error {
	sid, err := config.NormalizeSessionID(sessionID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}

	for {
		e := c.entry(sid)
		e.mu.Lock()
		if e.dropped {
			e.mu.Unlock()
			continue
		}

		_, err := c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM short_term_messages WHERE session_id = ?`), sid)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("%w: clear session: %w", ErrStorage, err)
		}

		c.resident.Remove(sid)
		c.mu.Lock()
		if c.sessions[sid] == e {
			delete(c.sessions, sid)
		}
		c.mu.Unlock()

		e.dropped = true
		e.window = nil
		e.loaded = false
		e.mu.Unlock()

		slog.Info("short-term session cleared", "session", sid)
		return nil
	}
}

// SearchSession returns messages in the session window whose content
// contains query, case-insensitively.
func (c *ShortTermCache) SearchSession(ctx context.Context, sessionID, query string) ([]ShortTermMessage, error) {
	msgs, err := c.GetWindow(ctx, sessionID, c.maxMessages)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return msgs, nil
	}

	var out []ShortTermMessage
	for _, m := range msgs {
		if strings.Contains(strings.ToLower(m.Content), q) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Stats returns log-wide counts and the number of resident windows.
func (c *ShortTermCache) Stats(ctx context.Context) (CacheStats, error) {
	var row struct {
		Sessions int `db:"sessions"`
		Messages int `db:"messages"`
	}
	err := c.db.GetContext(ctx, &row, `SELECT COUNT(DISTINCT session_id) AS sessions, COUNT(*) AS messages FROM short_term_messages`)
	if err != nil {
		return CacheStats{}, fmt.Errorf("%w: stats: %w", ErrStorage, err)
	}
	return CacheStats{
		SessionCount:     row.Sessions,
		MessageCount:     row.Messages,
		ResidentSessions: c.resident.Len(),
	}, nil
}

// ListSessions returns every session in the log, most recently active first.
func (c *ShortTermCache) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var rows []struct {
		SessionID    string `db:"session_id"`
		MessageCount int    `db:"message_count"`
		FirstMessage int64  `db:"first_message"`
		LastMessage  int64  `db:"last_message"`
	}
	err := c.db.SelectContext(ctx, &rows, `SELECT session_id, COUNT(*) AS message_count,
		MIN(timestamp) AS first_message, MAX(timestamp) AS last_message
		FROM short_term_messages GROUP BY session_id ORDER BY last_message DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %w", ErrStorage, err)
	}

	out := make([]SessionSummary, len(rows))
	for i, r := range rows {
		out[i] = SessionSummary{
			SessionID:    r.SessionID,
			MessageCount: r.MessageCount,
			FirstMessage: fromMillis(r.FirstMessage),
			LastMessage:  fromMillis(r.LastMessage),
		}
	}
	return out, nil
}

// Close closes the durable log.
func (c *ShortTermCache) Close() error {
	return c.db.Close()
}
