package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TurnCounter counts inbound messages per session. Tick increments the
// counter and, when it reaches threshold, resets it to zero in the same
// atomic step and reports fire=true. At most one caller observes fire for
// each threshold crossing.
type TurnCounter interface {
	Tick(ctx context.Context, sessionID string, threshold int) (count int, fire bool, err error)
	Count(ctx context.Context, sessionID string) (int, error)
	Reset(ctx context.Context, sessionID string) error
}

// MemoryCounter keeps counters in process memory.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryCounter creates an in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int)}
}

func (m *MemoryCounter) Tick(_ context.Context, sessionID string, threshold int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.counts[sessionID] + 1
	if threshold > 0 && n >= threshold {
		delete(m.counts, sessionID)
		return 0, true, nil
	}
	m.counts[sessionID] = n
	return n, false, nil
}

func (m *MemoryCounter) Count(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[sessionID], nil
}

func (m *MemoryCounter) Reset(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, sessionID)
	return nil
}

// tickScript increments the counter and resets it once it reaches the
// threshold. Returns {count, fired}.
var tickScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n >= tonumber(ARGV[1]) then
	redis.call('DEL', KEYS[1])
	return {0, 1}
end
redis.call('EXPIRE', KEYS[1], ARGV[2])
return {n, 0}
`)

// RedisCounter shares counters between processes through Redis.
type RedisCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisCounterConfig configures a RedisCounter.
type RedisCounterConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration // idle counters expire; default 7 days
}

// NewRedisCounter connects to Redis and verifies the connection.
func NewRedisCounter(ctx context.Context, cfg RedisCounterConfig) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "hybridmem:turns:"
	}
	return &RedisCounter{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisCounter) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisCounter) Tick(ctx context.Context, sessionID string, threshold int) (int, bool, error) {
	if threshold <= 0 {
		threshold = int(^uint32(0) >> 1)
	}
	vals, err := tickScript.Run(ctx, r.client, []string{r.key(sessionID)}, threshold, int64(r.ttl/time.Second)).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis tick: %w", err)
	}
	if len(vals) != 2 {
		return 0, false, fmt.Errorf("redis tick: unexpected reply %v", vals)
	}
	return int(vals[0]), vals[1] == 1, nil
}

func (r *RedisCounter) Count(ctx context.Context, sessionID string) (int, error) {
	n, err := r.client.Get(ctx, r.key(sessionID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func (r *RedisCounter) Reset(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisCounter) Close() error {
	return r.client.Close()
}
