package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/stepper/model"
)

// IdempotencyStore remembers which journey an operator's Idempotency-Key
// created, so a retried create returns that journey instead of a conflict.
type IdempotencyStore interface {
	// Reserve claims key for a create that is about to run. reserved is true
	// when the caller now owns the key and must Complete or Release it.
	// Otherwise journeyID is the journey an earlier request created. A key
	// recorded for a different request body, or still held by a create in
	// flight, is a CONFLICT error.
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (journeyID string, reserved bool, err error)

	// Complete records the journey created under a reserved key.
	Complete(ctx context.Context, key, requestHash, journeyID string, ttl time.Duration) error

	// Release drops a reservation whose create failed.
	Release(ctx context.Context, key string) error
}

type idempotencyEntry struct {
	RequestHash string `json:"request_hash"`
	JourneyID   string `json:"journey_id"`
}

func (e idempotencyEntry) match(key, requestHash string) (string, error) {
	if e.RequestHash != requestHash {
		return "", model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with a different request", key),
		)
	}
	if e.JourneyID == "" {
		return "", model.NewConflictError(
			fmt.Sprintf("a request with idempotency key %q is still in progress", key),
		)
	}
	return e.JourneyID, nil
}

// hashRequest fingerprints a create request body.
func hashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// idempotencyKey namespaces an operator key.
func idempotencyKey(key string) string {
	return "stepper:idem:create:" + key
}

// MemoryIdempotencyStore is an in-process IdempotencyStore for single
// instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]memIdempotencyEntry
	now     func() time.Time
}

type memIdempotencyEntry struct {
	idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memIdempotencyEntry), now: time.Now}
}

func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, requestHash string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := idempotencyKey(key)
	if entry, ok := s.entries[k]; ok && s.now().Before(entry.expiresAt) {
		id, err := entry.match(key, requestHash)
		return id, false, err
	}
	s.entries[k] = memIdempotencyEntry{
		idempotencyEntry: idempotencyEntry{RequestHash: requestHash},
		expiresAt:        s.now().Add(ttl),
	}
	return "", true, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, key, requestHash, journeyID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[idempotencyKey(key)] = memIdempotencyEntry{
		idempotencyEntry: idempotencyEntry{RequestHash: requestHash, JourneyID: journeyID},
		expiresAt:        s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, idempotencyKey(key))
	return nil
}

// RedisIdempotencyStore shares idempotency keys between stepper processes.
// A reservation is a SET NX of an entry without a journey ID.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a Redis-backed store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (string, bool, error) {
	pending, err := json.Marshal(idempotencyEntry{RequestHash: requestHash})
	if err != nil {
		return "", false, fmt.Errorf("encode idempotency entry: %w", err)
	}

	// A key that expires between SETNX and GET is reserved on the next pass.
	for range 2 {
		ok, err := s.client.SetNX(ctx, idempotencyKey(key), pending, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("redis reserve idempotency key %q: %w", key, err)
		}
		if ok {
			return "", true, nil
		}

		raw, err := s.client.Get(ctx, idempotencyKey(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("redis get idempotency key %q: %w", key, err)
		}
		var entry idempotencyEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return "", false, fmt.Errorf("decode idempotency key %q: %w", key, err)
		}
		id, err := entry.match(key, requestHash)
		return id, false, err
	}
	return "", false, model.NewConflictError(
		fmt.Sprintf("idempotency key %q is contended, retry the request", key),
	)
}

func (s *RedisIdempotencyStore) Complete(ctx context.Context, key, requestHash, journeyID string, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{RequestHash: requestHash, JourneyID: journeyID})
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, idempotencyKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotency key %q: %w", key, err)
	}
	return nil
}

func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyKey(key)).Err(); err != nil {
		return fmt.Errorf("redis release idempotency key %q: %w", key, err)
	}
	return nil
}
