package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/hybridmem/internal/config"
)

// Database file names inside the data directory.
const (
	LongTermDBFile  = "long_term_memory.db"
	ShortTermDBFile = "short_term_memory.db"
)

// Engine owns the four memory components and their lifecycle.
type Engine struct {
	LongTerm    *LongTermStore
	ShortTerm   *ShortTermCache
	Retriever   *Retriever
	Coordinator *Coordinator

	counter TurnCounter
}

// Stats combines counts from both stores.
type Stats struct {
	LongTermEnabled bool `json:"long_term_enabled"`
	LongTermCount   int  `json:"long_term_count"`
	CacheStats
}

// Open builds an engine from cfg. A long-term store that fails to open is
// logged and left disabled; a short-term log that fails to open is fatal.
func Open(ctx context.Context, cfg *config.Config, summarizer Summarizer) (*Engine, error) {
	lt, err := OpenLongTermStore(ctx, storageOptions(cfg, LongTermDBFile), LexicalScorer{})
	if err != nil {
		slog.Warn("continuing without long-term memory", "error", err)
	}

	st, err := OpenShortTermCache(ctx, storageOptions(cfg, ShortTermDBFile), cfg.Memory.MaxMessages, cfg.Memory.MaxResidentSessions)
	if err != nil {
		lt.Close()
		return nil, err
	}

	counter, err := newTurnCounter(ctx, cfg.Counter)
	if err != nil {
		lt.Close()
		st.Close()
		return nil, err
	}

	e := &Engine{
		LongTerm:    lt,
		ShortTerm:   st,
		Retriever:   NewRetriever(lt, st, RetrieverOptionsFrom(cfg)),
		Coordinator: NewCoordinator(lt, st, summarizer, counter, CoordinatorOptionsFrom(cfg)),
		counter:     counter,
	}
	return e, nil
}

func storageOptions(cfg *config.Config, file string) StorageOptions {
	if cfg.Storage.Driver == DriverPostgres {
		return StorageOptions{Driver: DriverPostgres, DSN: cfg.Storage.PostgresDSN}
	}
	return StorageOptions{Driver: DriverSQLite, Path: filepath.Join(cfg.ResolvedDataDir(), file)}
}

func newTurnCounter(ctx context.Context, cfg config.CounterConfig) (TurnCounter, error) {
	if cfg.Backend != "redis" {
		return NewMemoryCounter(), nil
	}
	rc, err := NewRedisCounter(ctx, RedisCounterConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: cfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("turn counter: %w", err)
	}
	slog.Info("turn counters stored in redis", "addr", cfg.RedisAddr)
	return rc, nil
}

// RetrieverOptionsFrom maps config to retriever bounds.
func RetrieverOptionsFrom(cfg *config.Config) RetrieverOptions {
	return RetrieverOptions{
		TopK:          cfg.Memory.RetrievalTopK,
		ContextTurns:  cfg.Memory.ContextTurns,
		SnippetChars:  cfg.Memory.SnippetChars,
		QueryMaxChars: cfg.Memory.QueryMaxChars,
	}
}

// CoordinatorOptionsFrom maps config to coordinator tunables.
func CoordinatorOptionsFrom(cfg *config.Config) CoordinatorOptions {
	m := cfg.Memory
	retry := DefaultRetryConfig()
	retry.MaxRetries = cfg.Summarizer.MaxRetries
	return CoordinatorOptions{
		SummaryThreshold:   m.SummaryThreshold,
		SummaryWindow:      m.SummaryWindow,
		SnippetChars:       m.SnippetChars,
		DistillMinChars:    m.DistillMinChars,
		ResponseImportance: m.ResponseImportance,
		SummaryImportance:  m.SummaryImportance,
		SummaryTimeout:     time.Duration(cfg.Summarizer.TimeoutSec) * time.Second,
		Retry:              retry,
		DecayEnabled:       m.DecayEnabled,
		DecayDays:          m.DecayDays,
		DecaySchedule:      m.DecaySchedule,
	}
}

// ApplyConfig swaps the runtime tunables. Storage, counter, and window
// bounds require a restart and are left unchanged.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.Retriever.SetOptions(RetrieverOptionsFrom(cfg))
	e.Coordinator.SetOptions(CoordinatorOptionsFrom(cfg))
	if cfg.Memory.MaxMessages != e.ShortTerm.MaxMessages() {
		slog.Warn("memory.max_messages change requires restart",
			"running", e.ShortTerm.MaxMessages(), "configured", cfg.Memory.MaxMessages)
	}
	slog.Info("memory tunables reloaded",
		"summary_threshold", cfg.Memory.SummaryThreshold,
		"retrieval_top_k", cfg.Memory.RetrievalTopK,
		"decay_enabled", cfg.Memory.DecayEnabled)
}

// Stats returns counts from both stores.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	n, err := e.LongTerm.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	cs, err := e.ShortTerm.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{LongTermEnabled: e.LongTerm.Enabled(), LongTermCount: n, CacheStats: cs}, nil
}

// Close stops background work, then closes the stores.
func (e *Engine) Close() error {
	e.Coordinator.Close()

	var errs []error
	if c, ok := e.counter.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, e.ShortTerm.Close(), e.LongTerm.Close())
	slog.Info("memory engine closed")
	return errors.Join(errs...)
}
