package memory

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestLongTerm(t *testing.T) *LongTermStore {
	t.Helper()
	opts := StorageOptions{Driver: DriverSQLite, Path: filepath.Join(t.TempDir(), LongTermDBFile)}
	if dsn := os.Getenv("HYBRIDMEM_TEST_POSTGRES_DSN"); dsn != "" {
		opts = StorageOptions{Driver: DriverPostgres, DSN: dsn}
	}
	s, err := OpenLongTermStore(context.Background(), opts, nil)
	if err != nil {
		t.Fatalf("OpenLongTermStore: %v", err)
	}
	if opts.postgres() {
		s.db.MustExec(`TRUNCATE memories RESTART IDENTITY`)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeClock returns a controllable clock starting at a fixed instant.
func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestLongTermStore_AddGet(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "the user likes green tea", "s1", 0.8, map[string]string{"source": "manual"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want > 0", id)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Content != "the user likes green tea" || rec.SessionID != "s1" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Importance != 0.8 {
		t.Errorf("importance = %v, want 0.8", rec.Importance)
	}
	if rec.DecayScore != 1.0 || rec.AccessCount != 0 {
		t.Errorf("decay=%v access=%d, want 1.0/0", rec.DecayScore, rec.AccessCount)
	}
	if rec.Metadata["source"] != "manual" {
		t.Errorf("metadata = %v", rec.Metadata)
	}

	id2, _ := s.Add(ctx, "second", "s1", 0.5, nil)
	if id2 <= id {
		t.Errorf("ids not increasing: %d then %d", id, id2)
	}
}

func TestLongTermStore_AddValidation(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()

	if _, err := s.Add(ctx, "   ", "s1", 0.5, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("blank content err = %v, want ErrValidation", err)
	}

	id, err := s.Add(ctx, "clamped", "s1", 7, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	rec, _ := s.Get(ctx, id)
	if rec.Importance != 1 {
		t.Errorf("importance = %v, want clamped to 1", rec.Importance)
	}

	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestLongTermStore_GetMissing(t *testing.T) {
	s := newTestLongTerm(t)
	if _, err := s.Get(context.Background(), 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestLongTermStore_SearchRanksOverlap(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()

	catID, _ := s.Add(ctx, "cats are great", "s1", 0.5, nil)
	dogID, _ := s.Add(ctx, "dogs are loyal", "s1", 0.5, nil)

	results, err := s.Search(ctx, "dog", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Record.ID != dogID {
		t.Errorf("top result = %q, want dogs", results[0].Record.Content)
	}
	for _, r := range results {
		if r.Record.ID == catID {
			t.Errorf("non-matching record returned: %q", r.Record.Content)
		}
	}
	if math.Abs(results[0].Relevance-0.75) > 1e-9 {
		t.Errorf("relevance = %v, want 0.75", results[0].Relevance)
	}
}

func TestLongTermStore_SearchImportanceAndTies(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()
	clock, advance := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.now = clock

	low, _ := s.Add(ctx, "golang tips", "s1", 0.2, nil)
	advance(time.Minute)
	high, _ := s.Add(ctx, "golang tricks", "s1", 0.9, nil)
	advance(time.Minute)
	tieOld, _ := s.Add(ctx, "rust notes", "s1", 0.5, nil)
	advance(time.Minute)
	tieNew, _ := s.Add(ctx, "rust ideas", "s1", 0.5, nil)

	results, err := s.Search(ctx, "golang", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].Record.ID != high || results[1].Record.ID != low {
		t.Fatalf("importance order wrong: %+v", results)
	}

	results, _ = s.Search(ctx, "rust", 2)
	if len(results) != 2 || results[0].Record.ID != tieNew || results[1].Record.ID != tieOld {
		t.Fatalf("tie order wrong, want newest first: %+v", results)
	}
}

func TestLongTermStore_SearchFallsBackToRecent(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()
	clock, advance := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.now = clock

	var ids []int64
	for _, c := range []string{"alpha", "beta", "gamma"} {
		id, _ := s.Add(ctx, c, "s1", 0.5, nil)
		ids = append(ids, id)
		advance(time.Second)
	}

	for _, q := range []string{"zebra", ""} {
		results, err := s.Search(ctx, q, 2)
		if err != nil {
			t.Fatalf("Search(%q): %v", q, err)
		}
		if len(results) != 2 {
			t.Fatalf("Search(%q) returned %d results, want 2", q, len(results))
		}
		if results[0].Record.ID != ids[2] || results[1].Record.ID != ids[1] {
			t.Errorf("Search(%q) = %d,%d want most recent first", q, results[0].Record.ID, results[1].Record.ID)
		}
		if math.Abs(results[0].Relevance-0.75) > 1e-9 {
			t.Errorf("fallback relevance = %v, want overlap 1.0 -> 0.75", results[0].Relevance)
		}
	}
}

func TestLongTermStore_SearchBookkeeping(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()
	clock, advance := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.now = clock

	hit, _ := s.Add(ctx, "paris is the capital of france", "s1", 0.5, nil)
	miss, _ := s.Add(ctx, "berlin has many museums", "s1", 0.5, nil)
	advance(time.Hour)

	results, err := s.Search(ctx, "paris", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != hit {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Record.AccessCount != 1 {
		t.Errorf("returned access count = %d, want 1", results[0].Record.AccessCount)
	}

	got, _ := s.Get(ctx, hit)
	if got.AccessCount != 1 {
		t.Errorf("stored access count = %d, want 1", got.AccessCount)
	}
	if !got.LastAccessedAt.Equal(clock().Truncate(time.Millisecond)) {
		t.Errorf("last accessed = %v, want %v", got.LastAccessedAt, clock())
	}

	untouched, _ := s.Get(ctx, miss)
	if untouched.AccessCount != 0 {
		t.Errorf("unreturned record access count = %d, want 0", untouched.AccessCount)
	}
	if untouched.LastAccessedAt.Equal(got.LastAccessedAt) {
		t.Error("unreturned record last accessed changed")
	}

	s.Search(ctx, "paris", 5)
	got, _ = s.Get(ctx, hit)
	if got.AccessCount != 2 {
		t.Errorf("access count after second search = %d, want 2", got.AccessCount)
	}
}

// funcScorer adapts a function to Scorer.
type funcScorer func(query, content string) float64

func (f funcScorer) Overlap(query, content string) float64 { return f(query, content) }

func TestLongTermStore_SearchDropsRecordsChangedWhileScoring(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()

	keep, _ := s.Add(ctx, "alpha stays", "s1", 0.5, nil)
	gone, _ := s.Add(ctx, "alpha goes away", "s1", 0.5, nil)

	// Another writer removes one candidate and edits the other after the
	// candidates were read but before bookkeeping.
	var once sync.Once
	s.scorer = funcScorer(func(query, content string) float64 {
		once.Do(func() {
			s.db.MustExec(s.db.Rebind(`DELETE FROM memories WHERE id = ?`), gone)
			s.db.MustExec(s.db.Rebind(`UPDATE memories SET content = ? WHERE id = ?`), "alpha stays, edited", keep)
		})
		return LexicalScorer{}.Overlap(query, content)
	})

	results, err := s.Search(ctx, "alpha", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != keep {
		t.Fatalf("results = %+v, want only record %d", results, keep)
	}
	if results[0].Record.Content != "alpha stays, edited" {
		t.Errorf("content = %q, want committed content", results[0].Record.Content)
	}
	if results[0].Record.AccessCount != 1 {
		t.Errorf("access count = %d, want 1", results[0].Record.AccessCount)
	}
	if _, err := s.Get(ctx, gone); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(deleted) err = %v, want ErrNotFound", err)
	}
}

func TestLongTermStore_SearchConcurrentDelete(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		s.Add(ctx, "shared topic entry", "s1", 0.5, nil)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for id := int64(1); id <= 20; id++ {
			s.Delete(ctx, id)
		}
	}()
	var results []SearchResult
	go func() {
		defer wg.Done()
		var err error
		results, err = s.Search(ctx, "topic", 20)
		if err != nil {
			t.Errorf("Search: %v", err)
		}
	}()
	wg.Wait()

	// Whatever the interleaving, every returned record was touched exactly once.
	for _, r := range results {
		if r.Record.AccessCount != 1 {
			t.Errorf("record %d access count = %d, want 1", r.Record.ID, r.Record.AccessCount)
		}
	}
}

func TestLongTermStore_SearchCJK(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()

	cat, _ := s.Add(ctx, "我喜欢猫", "s1", 0.5, nil)
	s.Add(ctx, "今天天气很好", "s1", 0.5, nil)

	for _, q := range []string{"猫", "喜欢"} {
		results, err := s.Search(ctx, q, 1)
		if err != nil {
			t.Fatalf("Search(%q): %v", q, err)
		}
		if len(results) != 1 || results[0].Record.ID != cat {
			t.Fatalf("Search(%q) = %+v, want %q", q, results, "我喜欢猫")
		}
		if math.Abs(results[0].Relevance-0.75) > 1e-9 {
			t.Errorf("Search(%q) relevance = %v, want 0.75", q, results[0].Relevance)
		}
	}
}

func TestLongTermStore_CustomScorerSeesAllRecords(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()
	s.scorer = funcScorer(func(query, content string) float64 { return 0.5 })

	id, _ := s.Add(ctx, "completely unrelated words", "s1", 0.5, nil)

	results, err := s.Search(ctx, "zebra", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != id {
		t.Fatalf("results = %+v", results)
	}
	// Scored by the custom scorer, not the recent-records fallback (0.75).
	if math.Abs(results[0].Relevance-0.375) > 1e-9 {
		t.Errorf("relevance = %v, want 0.375", results[0].Relevance)
	}
}

func TestLongTermStore_SearchZeroK(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()
	s.Add(ctx, "anything", "s1", 0.5, nil)

	results, err := s.Search(ctx, "anything", 0)
	if err != nil || len(results) != 0 {
		t.Errorf("Search k=0 = %v, %v", results, err)
	}
}

func TestLongTermStore_DecaySweep(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock, _ := fakeClock(start)
	s.now = clock

	old, _ := s.Add(ctx, "old memory", "s1", 0.5, nil)

	now := start.Add(31 * 24 * time.Hour)
	const sweeps = 3
	for i := 0; i < sweeps; i++ {
		n, err := s.DecaySweep(ctx, now, 30)
		if err != nil {
			t.Fatalf("DecaySweep: %v", err)
		}
		if n != 1 {
			t.Errorf("sweep %d decayed %d records, want 1", i, n)
		}
	}

	rec, _ := s.Get(ctx, old)
	want := math.Pow(DecayFactor, sweeps)
	if math.Abs(rec.DecayScore-want) > 1e-9 {
		t.Errorf("decay = %v, want %v", rec.DecayScore, want)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("decay must not delete: count = %d", n)
	}

	// A recently accessed record is not decayed.
	fresh, _ := s.Add(ctx, "fresh memory", "s1", 0.5, nil)
	s.now = func() time.Time { return now }
	s.Search(ctx, "fresh", 1)
	s.DecaySweep(ctx, now, 30)
	rec, _ = s.Get(ctx, fresh)
	if rec.DecayScore != 1.0 {
		t.Errorf("fresh decay = %v, want 1.0", rec.DecayScore)
	}
}

func TestLongTermStore_DecayLowersRelevance(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock, advance := fakeClock(start)
	s.now = clock

	stale, _ := s.Add(ctx, "coffee preferences: espresso", "s1", 0.5, nil)
	advance(40 * 24 * time.Hour)
	fresh, _ := s.Add(ctx, "coffee preferences: latte", "s1", 0.5, nil)
	s.DecaySweep(ctx, clock(), 30)

	results, _ := s.Search(ctx, "coffee", 2)
	if len(results) != 2 || results[0].Record.ID != fresh || results[1].Record.ID != stale {
		t.Fatalf("decayed record should rank lower: %+v", results)
	}
	if results[1].Relevance >= results[0].Relevance {
		t.Errorf("relevance %v >= %v", results[1].Relevance, results[0].Relevance)
	}
}

func TestLongTermStore_UpdateDelete(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()

	id, _ := s.Add(ctx, "initial text", "s1", 0.6, map[string]string{"k": "v"})

	ok, err := s.Update(ctx, id, "rewritten about volcanoes")
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	rec, _ := s.Get(ctx, id)
	if rec.Content != "rewritten about volcanoes" || rec.Importance != 0.6 || rec.Metadata["k"] != "v" {
		t.Errorf("update changed more than content: %+v", rec)
	}

	// The search index follows the update.
	results, _ := s.Search(ctx, "volcano", 1)
	if len(results) != 1 || results[0].Record.ID != id {
		t.Errorf("updated content not searchable: %+v", results)
	}

	if ok, _ := s.Update(ctx, 999, "x"); ok {
		t.Error("update of missing id reported success")
	}

	ok, err = s.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Delete = %v, %v", ok, err)
	}
	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v", err)
	}
	if ok, _ := s.Delete(ctx, id); ok {
		t.Error("second delete reported success")
	}
}

func TestLongTermStore_ListAll(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()
	clock, advance := fakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.now = clock

	for _, c := range []string{"one", "two", "three"} {
		s.Add(ctx, c, "s1", 0.5, nil)
		advance(time.Second)
	}

	all, err := s.ListAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 3 || all[0].Content != "three" || all[2].Content != "one" {
		t.Errorf("ListAll order = %+v", all)
	}

	page, _ := s.ListAll(ctx, 1, 1)
	if len(page) != 1 || page[0].Content != "two" {
		t.Errorf("page = %+v", page)
	}
}

func TestLongTermStore_RebuildIndex(t *testing.T) {
	s := newTestLongTerm(t)
	ctx := context.Background()

	id, _ := s.Add(ctx, "mountains and rivers", "s1", 0.5, nil)
	for i := 0; i < 2; i++ {
		if err := s.RebuildIndex(ctx); err != nil {
			t.Fatalf("RebuildIndex: %v", err)
		}
	}

	results, err := s.Search(ctx, "river", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != id {
		t.Errorf("search after rebuild = %+v", results)
	}
}

func TestLongTermStore_Disabled(t *testing.T) {
	// A directory where the database file should be makes open fail.
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked")
	if err := os.MkdirAll(filepath.Join(path, "x"), 0o755); err != nil {
		t.Fatal(err)
	}

	s, err := OpenLongTermStore(context.Background(), StorageOptions{Driver: DriverSQLite, Path: path}, nil)
	if !errors.Is(err, ErrInitialization) {
		t.Fatalf("err = %v, want ErrInitialization", err)
	}
	if s == nil || s.Enabled() {
		t.Fatal("expected a disabled store")
	}

	ctx := context.Background()
	if id, err := s.Add(ctx, "x", "s1", 0.5, nil); id != -1 || !errors.Is(err, ErrDisabled) {
		t.Errorf("Add on disabled = %d, %v", id, err)
	}
	if results, err := s.Search(ctx, "x", 5); err != nil || len(results) != 0 {
		t.Errorf("Search on disabled = %v, %v", results, err)
	}
	if ok, err := s.Delete(ctx, 1); ok || !errors.Is(err, ErrDisabled) {
		t.Errorf("Delete on disabled = %v, %v", ok, err)
	}
	if n, err := s.Count(ctx); n != 0 || err != nil {
		t.Errorf("Count on disabled = %d, %v", n, err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on disabled: %v", err)
	}
}
