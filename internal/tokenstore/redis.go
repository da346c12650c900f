package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wrale/authflow/internal/engine"
)

const (
	tokenPrefix   = "tokens:"
	subjectPrefix = "tokens:subject:"

	maxTTLMs = math.MaxInt64 / int64(time.Millisecond)
)

// RedisStore implements the Store interface using Redis
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// CheckHealth verifies Redis connectivity
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// ttl returns how long tokens stay useful. Sets with a refresh token or
// without an expiry are kept until deleted.
func ttl(tokens engine.TokenSet, nowMs int64) (time.Duration, error) {
	if tokens.RefreshToken != "" || tokens.ExpiresAtMs == 0 {
		return 0, nil
	}
	if tokens.ExpiresAtMs <= nowMs {
		return 0, ErrExpired
	}
	ms := tokens.ExpiresAtMs - nowMs
	if ms <= 0 || ms > maxTTLMs {
		ms = maxTTLMs
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, " \t\r\n") || strings.HasPrefix(key, "subject:") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

// Save stores a token set with expiration
func (s *RedisStore) Save(ctx context.Context, key string, tokens engine.TokenSet, nowMs int64) error {
	if err := validKey(key); err != nil {
		return err
	}
	expiry, err := ttl(tokens, nowMs)
	if err != nil {
		return err
	}

	data, err := json.Marshal(Record{Key: key, Tokens: tokens, SavedAtMs: nowMs})
	if err != nil {
		return fmt.Errorf("marshaling token record: %w", err)
	}

	// Use pipeline to set all keys atomically
	pipe := s.client.Pipeline()
	pipe.Set(ctx, tokenPrefix+key, data, expiry)
	if tokens.Subject != "" {
		pipe.Set(ctx, subjectPrefix+tokens.Subject, key, expiry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving token record: %w", err)
	}
	return nil
}

// Load retrieves a token record
func (s *RedisStore) Load(ctx context.Context, key string) (*Record, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, tokenPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting token record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling token record: %w", err)
	}
	return &rec, nil
}

// LoadBySubject retrieves a token record using the id_token subject
func (s *RedisStore) LoadBySubject(ctx context.Context, subject string) (*Record, error) {
	key, err := s.client.Get(ctx, subjectPrefix+subject).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting subject reference: %w", err)
	}
	return s.Load(ctx, key)
}

// Delete removes a token record and its subject reference
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	rec, err := s.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("getting token record: %w", err)
	}
	if rec == nil {
		return nil // Already deleted
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, tokenPrefix+key)
	if sub := rec.Tokens.Subject; sub != "" {
		// Only drop the reference if it still points at this key.
		pipe.Eval(ctx, deleteIfEquals, []string{subjectPrefix + sub}, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting token record: %w", err)
	}
	return nil
}

const deleteIfEquals = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`
