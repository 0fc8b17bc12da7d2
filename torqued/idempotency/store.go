// Package idempotency caches ingress responses keyed by a client-supplied
// idempotency key, so a retried enqueue returns the original task id
// instead of creating a duplicate.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL bounds how long a replayed response stays valid.
const TTL = 1 * time.Hour

// Response is a captured ingress response.
type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers"`
}

// Store is the replay cache.
type Store interface {
	Get(ctx context.Context, key string) (Response, bool)
	Set(ctx context.Context, key string, resp Response)
}

// MemoryStore caches responses in-process.
type MemoryStore struct {
	cache sync.Map
}

type entry struct {
	resp      Response
	timestamp time.Time
}

// NewMemoryStore creates an in-process cache.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.timestamp) > TTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *MemoryStore) Set(ctx context.Context, key string, resp Response) {
	s.cache.Store(key, entry{resp: resp, timestamp: time.Now()})
}

// RedisStore caches responses in Redis with a TTL, shared across torqued
// processes.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Response, bool) {
	data, err := s.client.Get(ctx, "idempotency:"+key).Bytes()
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

func (s *RedisStore) Set(ctx context.Context, key string, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.client.Set(ctx, "idempotency:"+key, data, TTL)
}
