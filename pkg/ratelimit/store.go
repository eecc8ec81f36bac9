package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore persists the shared cooldown state. Load returns a zero state
// when nothing has been stored yet.
type StateStore interface {
	Load(ctx context.Context) (*CooldownState, error)
	Save(ctx context.Context, state *CooldownState) error
}

// RedisStore shares cooldown state across processes via Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{redis: client}
}

// Load retrieves the current cooldown state from Redis.
// Missing keys read as their zero values, so a fresh Redis yields a state
// with no cooldown in effect.
func (s *RedisStore) Load(ctx context.Context) (*CooldownState, error) {
	cooldownUnix, err := s.redis.Get(ctx, RedisKeyCooldownUntil).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get cooldown until: %w", err)
	}

	hits, err := s.redis.Get(ctx, RedisKeyHits).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get hits: %w", err)
	}

	lastUpdateStr, err := s.redis.Get(ctx, RedisKeyLastUpdate).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get last update: %w", err)
	}

	state := &CooldownState{Hits: hits}
	if cooldownUnix > 0 {
		state.CooldownUntil = time.Unix(cooldownUnix, 0)
	}
	if lastUpdateStr != "" {
		if err := json.Unmarshal([]byte(lastUpdateStr), &state.LastUpdate); err != nil {
			return nil, fmt.Errorf("parse last update: %w", err)
		}
	}

	return state, nil
}

// Save stores the cooldown state in Redis atomically.
func (s *RedisStore) Save(ctx context.Context, state *CooldownState) error {
	var cooldownUnix int64
	if !state.CooldownUntil.IsZero() {
		cooldownUnix = state.CooldownUntil.Unix()
	}

	lastUpdateJSON, err := json.Marshal(state.LastUpdate)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	pipe := s.redis.Pipeline()
	pipe.Set(ctx, RedisKeyCooldownUntil, cooldownUnix, 0)
	pipe.Set(ctx, RedisKeyHits, state.Hits, 0)
	pipe.Set(ctx, RedisKeyLastUpdate, lastUpdateJSON, 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store cooldown state in redis: %w", err)
	}
	return nil
}

// MemoryStore keeps cooldown state in process memory. Suitable for a single
// extraction process without Redis.
type MemoryStore struct {
	mu    sync.Mutex
	state CooldownState
}

// NewMemoryStore creates an in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the current state.
func (s *MemoryStore) Load(_ context.Context) (*CooldownState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.state
	return &state, nil
}

// Save replaces the current state.
func (s *MemoryStore) Save(_ context.Context, state *CooldownState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = *state
	return nil
}
