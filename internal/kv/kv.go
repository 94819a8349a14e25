// Package kv provides the keyed reference/cache store used for the
// municipal directory, the official-email cache, and the status
// transition log.
//
// Two implementations share one interface:
//   - Redis: production store (go-redis)
//   - Memory: in-process fallback so the service runs without a Redis
//     server in dev environments
//
// The choice is made once at startup by pinging Redis; the rest of the
// code only sees the Store interface (no ambient global state).
package kv

import (
	"context"
	"log"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the minimal key-value contract the directory and status log
// need: point reads/writes plus a glob-style key scan.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Connect returns a Redis-backed store when a server answers at addr,
// otherwise an in-memory store.
//
// Matching the original deployment behavior: Redis being down is not an
// error, just a logged downgrade to dev mode.
func Connect(addr string) Store {
	if addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err == nil {
			log.Printf("✓ Connected to Redis at %s", addr)
			return &Redis{client: client}
		}
		log.Printf("⚠️  Redis unavailable at %s, using in-memory store (dev mode)", addr)
	} else {
		log.Println("⚠️  REDIS_ADDR not set, using in-memory store (dev mode)")
	}
	return NewMemory()
}

// Redis is the go-redis backed Store.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Memory is a mutex-guarded map with Redis-compatible glob matching.
//
// Thread-safety:
//   - All operations are protected by mutex
//   - Safe for concurrent access from multiple goroutines
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

// Scan matches keys against a glob pattern ("municipality:*:roads").
// path.Match treats '/' specially, so keys are matched as plain strings
// by swapping the separator; directory keys never contain '/'.
func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
