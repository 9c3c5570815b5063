package oauth2cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the persistence seam behind the token cache. A target's token is
// never mutated in place; every write replaces the whole value.
type Store interface {
	Get(ctx context.Context, target string) (Token, bool, error)
	Set(ctx context.Context, target string, token Token) error
	Delete(ctx context.Context, target string) error
	Clear(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// MemoryStore is the default, process-local token store.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

func (s *MemoryStore) Get(_ context.Context, target string) (Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[target]
	return t, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, target string, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[target] = token
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, target)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]Token)
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens), nil
}

// RedisStore backs the token cache with Redis, letting multiple relay
// replicas share one token per target instead of each acquiring its own.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore builds a RedisStore. keyPrefix namespaces cache keys so
// several relays can share a Redis instance.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "tokenrelay:oauth2:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) key(target string) string {
	return s.keyPrefix + target
}

func (s *RedisStore) Get(ctx context.Context, target string) (Token, bool, error) {
	raw, err := s.client.Get(ctx, s.key(target)).Bytes()
	if err == redis.Nil {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("redis get: %w", err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	return t, true, nil
}

func (s *RedisStore) Set(ctx context.Context, target string, token Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	// Let entries outlive their own expiry briefly so a slow reader never
	// observes a key vanish mid-request; the cache's own IsExpired check is
	// the real authority on staleness.
	ttl := time.Duration(token.ExpiresIn)*time.Second + DefaultExpiryBuffer + time.Minute
	if err := s.client.Set(ctx, s.key(target), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, target string) error {
	if err := s.client.Del(ctx, s.key(target)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan: %w", err)
	}
	return count, nil
}
