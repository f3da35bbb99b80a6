package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DecayFactor is applied to a record's decay score once per sweep in which
// the record is stale.
const DecayFactor = 0.95

var tracer = otel.Tracer("github.com/nextlevelbuilder/hybridmem/internal/memory")

// LongTermStore is the durable memory store. All writes go through a single
// writer lock; reads share it.
//
// A store whose database could not be opened is disabled: writes fail with
// ErrDisabled and reads return empty results.
type LongTermStore struct {
	db     *sqlx.DB
	opts   StorageOptions
	scorer Scorer
	mu     sync.RWMutex
	now    func() time.Time
}

type memoryRow struct {
	ID           int64   `db:"id"`
	SessionID    string  `db:"session_id"`
	Content      string  `db:"content"`
	Importance   float64 `db:"importance"`
	CreatedAt    int64   `db:"created_at"`
	LastAccessed int64   `db:"last_accessed"`
	AccessCount  int     `db:"access_count"`
	DecayScore   float64 `db:"decay_score"`
	Metadata     string  `db:"metadata"`
}

func (r memoryRow) record() LongTermRecord {
	rec := LongTermRecord{
		ID:             r.ID,
		SessionID:      r.SessionID,
		Content:        r.Content,
		Importance:     r.Importance,
		CreatedAt:      fromMillis(r.CreatedAt),
		LastAccessedAt: fromMillis(r.LastAccessed),
		AccessCount:    r.AccessCount,
		DecayScore:     r.DecayScore,
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &rec.Metadata); err != nil {
			slog.Warn("memory metadata is not valid JSON", "id", r.ID, "error", err)
		}
	}
	return rec
}

const memoryColumns = `id, session_id, content, importance, created_at, last_accessed, access_count, decay_score, metadata`

// OpenLongTermStore opens (or creates) the long-term store. On failure it
// returns a disabled store together with an error wrapping ErrInitialization,
// so callers may log and keep serving.
func OpenLongTermStore(ctx context.Context, opts StorageOptions, scorer Scorer) (*LongTermStore, error) {
	if scorer == nil {
		scorer = LexicalScorer{}
	}
	s := &LongTermStore{opts: opts, scorer: scorer, now: time.Now}

	db, err := openDB(ctx, opts, longTermSQLiteSchema, longTermPostgresSchema)
	if err != nil {
		slog.Error("long-term memory disabled", "target", opts.describe(), "error", err)
		return s, fmt.Errorf("%w: %w", ErrInitialization, err)
	}
	s.db = db

	slog.Info("long-term memory store opened", "target", opts.describe())
	return s, nil
}

// Enabled reports whether the store has a working database.
func (s *LongTermStore) Enabled() bool {
	return s != nil && s.db != nil
}

// Add persists a new record and returns its id. Importance is clamped to [0,1].
func (s *LongTermStore) Add(ctx context.Context, content, sessionID string, importance float64, metadata map[string]string) (int64, error) {
	if !s.Enabled() {
		return -1, ErrDisabled
	}
	if strings.TrimSpace(content) == "" {
		return -1, fmt.Errorf("%w: content is empty", ErrValidation)
	}
	importance = clamp01(importance)

	meta := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return -1, fmt.Errorf("%w: metadata: %v", ErrValidation, err)
		}
		meta = string(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := toMillis(s.now())
	var id int64
	err := s.db.QueryRowxContext(ctx, s.db.Rebind(`INSERT INTO memories
		(session_id, content, importance, created_at, last_accessed, access_count, decay_score, metadata)
		VALUES (?, ?, ?, ?, ?, 0, 1.0, ?) RETURNING id`),
		sessionID, content, importance, now, now, meta).Scan(&id)
	if err != nil {
		slog.Error("add long-term memory failed", "session", sessionID, "error", err)
		return -1, fmt.Errorf("%w: insert: %w", ErrStorage, err)
	}

	slog.Debug("long-term memory added", "id", id, "session", sessionID, "importance", importance)
	return id, nil
}

// Get returns one record by id.
func (s *LongTermStore) Get(ctx context.Context, id int64) (*LongTermRecord, error) {
	if !s.Enabled() {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var row memoryRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+memoryColumns+` FROM memories WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: long-term id %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", ErrStorage, err)
	}
	rec := row.record()
	return &rec, nil
}

// Search returns up to k records ordered by relevance. Every returned record
// has its access count incremented and last-accessed time set to now; the
// returned records reflect the committed bookkeeping.
func (s *LongTermStore) Search(ctx context.Context, query string, k int) ([]SearchResult, error) {
	if !s.Enabled() || k <= 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "memory.longterm.search")
	defer span.End()

	terms := QueryTerms(query)

	s.mu.RLock()
	candidates, err := s.candidates(ctx, query, terms)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, row := range candidates {
		rec := row.record()
		overlap := s.scorer.Overlap(query, rec.Content)
		if overlap <= 0 {
			continue
		}
		results = append(results, SearchResult{Record: rec, Relevance: relevance(overlap, rec)})
	}

	if len(results) == 0 {
		results, err = s.recent(ctx, k)
		if err != nil {
			s.mu.RUnlock()
			return nil, err
		}
	} else {
		sort.SliceStable(results, func(i, j int) bool {
			a, b := results[i], results[j]
			if a.Relevance != b.Relevance {
				return a.Relevance > b.Relevance
			}
			if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
				return a.Record.CreatedAt.After(b.Record.CreatedAt)
			}
			return a.Record.ID > b.Record.ID
		})
		if len(results) > k {
			results = results[:k]
		}
	}
	s.mu.RUnlock()

	span.SetAttributes(
		attribute.Int("memory.query_terms", len(terms)),
		attribute.Int("memory.candidates", len(candidates)),
		attribute.Int("memory.results", len(results)),
	)

	if len(results) == 0 {
		return results, nil
	}
	return s.touch(ctx, results)
}

// candidates returns the rows that can have non-zero overlap with terms.
// SQLite narrows with the FTS index when the lexical scorer is in use and
// no term is CJK (unicode61 keeps a CJK run as one token). Otherwise, on
// postgres, or if the FTS query fails, every row is a candidate.
func (s *LongTermStore) candidates(ctx context.Context, query string, terms []string) ([]memoryRow, error) {
	_, lexical := s.scorer.(LexicalScorer)
	if (lexical && len(terms) == 0) || strings.TrimSpace(query) == "" {
		return nil, nil
	}

	var rows []memoryRow
	if lexical && !s.opts.postgres() && !hasCJKTerm(terms) {
		err := s.db.SelectContext(ctx, &rows, `SELECT `+prefixed("m.", memoryColumns)+`
			FROM memories_fts f JOIN memories m ON m.id = f.rowid
			WHERE memories_fts MATCH ?`, ftsQuery(terms))
		if err == nil {
			return rows, nil
		}
		slog.Warn("fts query failed, falling back to full scan", "error", err)
		rows = nil
	}

	if err := s.db.SelectContext(ctx, &rows, `SELECT `+memoryColumns+` FROM memories`); err != nil {
		return nil, fmt.Errorf("%w: scan memories: %w", ErrStorage, err)
	}
	return rows, nil
}

// recent returns the k newest records with overlap treated as 1.0,
// ordered by recency.
func (s *LongTermStore) recent(ctx context.Context, k int) ([]SearchResult, error) {
	var rows []memoryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+memoryColumns+`
		FROM memories ORDER BY created_at DESC, id DESC LIMIT ?`), k)
	if err != nil {
		return nil, fmt.Errorf("%w: recent memories: %w", ErrStorage, err)
	}

	results := make([]SearchResult, len(rows))
	for i, row := range rows {
		rec := row.record()
		results[i] = SearchResult{Record: rec, Relevance: relevance(1.0, rec)}
	}
	return results, nil
}

// touch records an access for every result and re-reads the touched rows
// in the same write-locked transaction. Results whose record vanished since
// scoring are dropped; the rest carry the committed values.
func (s *LongTermStore) touch(ctx context.Context, results []SearchResult) ([]SearchResult, error) {
	ids := make([]int64, len(results))
	for i, r := range results {
		ids[i] = r.Record.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query, args, err := sqlx.In(`UPDATE memories SET access_count = access_count + 1, last_accessed = ?
		WHERE id IN (?) RETURNING `+memoryColumns, toMillis(s.now()), ids)
	if err != nil {
		return nil, fmt.Errorf("%w: build access update: %w", ErrStorage, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrStorage, err)
	}
	defer tx.Rollback()

	var rows []memoryRow
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		slog.Error("update access bookkeeping failed", "error", err)
		return nil, fmt.Errorf("%w: access update: %w", ErrStorage, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrStorage, err)
	}

	touched := make(map[int64]memoryRow, len(rows))
	for _, row := range rows {
		touched[row.ID] = row
	}
	out := results[:0]
	for _, r := range results {
		row, ok := touched[r.Record.ID]
		if !ok {
			slog.Debug("search result removed before bookkeeping", "id", r.Record.ID)
			continue
		}
		r.Record = row.record()
		out = append(out, r)
	}
	return out, nil
}

// Update replaces a record's content. Other fields are unchanged.
func (s *LongTermStore) Update(ctx context.Context, id int64, content string) (bool, error) {
	if !s.Enabled() {
		return false, ErrDisabled
	}
	if strings.TrimSpace(content) == "" {
		return false, fmt.Errorf("%w: content is empty", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE memories SET content = ? WHERE id = ?`), content, id)
	if err != nil {
		slog.Error("update long-term memory failed", "id", id, "error", err)
		return false, fmt.Errorf("%w: update: %w", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes a record.
func (s *LongTermStore) Delete(ctx context.Context, id int64) (bool, error) {
	if !s.Enabled() {
		return false, ErrDisabled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM memories WHERE id = ?`), id)
	if err != nil {
		slog.Error("delete long-term memory failed", "id", id, "error", err)
		return false, fmt.Errorf("%w: delete: %w", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListAll returns records newest first. limit <= 0 means no limit.
func (s *LongTermStore) ListAll(ctx context.Context, limit, offset int) ([]LongTermRecord, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = math.MaxInt32
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []memoryRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+memoryColumns+`
		FROM memories ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrStorage, err)
	}

	out := make([]LongTermRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

// Count returns the number of records.
func (s *LongTermStore) Count(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM memories`); err != nil {
		return 0, fmt.Errorf("%w: count: %w", ErrStorage, err)
	}
	return n, nil
}

// DecaySweep multiplies the decay score of every record not accessed within
// decayDays of now by DecayFactor. Records are never deleted. Returns the
// number of records decayed.
func (s *LongTermStore) DecaySweep(ctx context.Context, now time.Time, decayDays int) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "memory.longterm.decay")
	defer span.End()

	cutoff := now.Add(-time.Duration(decayDays) * 24 * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE memories SET decay_score = decay_score * ? WHERE last_accessed < ?`),
		DecayFactor, toMillis(cutoff))
	if err != nil {
		slog.Error("decay sweep failed", "error", err)
		return 0, fmt.Errorf("%w: decay: %w", ErrStorage, err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("memory.decayed", n))

	slog.Info("decay sweep applied", "decayed", n, "decay_days", decayDays)
	return n, nil
}

// RebuildIndex regenerates the full-text index from the memories table.
// It is a no-op on postgres, which has no auxiliary index.
func (s *LongTermStore) RebuildIndex(ctx context.Context) error {
	if !s.Enabled() {
		return ErrDisabled
	}
	if s.opts.postgres() {
		slog.Info("rebuild index skipped: no auxiliary index on postgres")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `INSERT INTO memories_fts(memories_fts) VALUES ('rebuild')`); err != nil {
		return fmt.Errorf("%w: rebuild index: %w", ErrStorage, err)
	}
	slog.Info("long-term search index rebuilt")
	return nil
}

// Close closes the database. Safe on a disabled store.
func (s *LongTermStore) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ", ")
	for i, c := range cols {
		cols[i] = prefix + c + " AS " + c
	}
	return strings.Join(cols, ", ")
}
