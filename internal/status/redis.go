package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares the status board between processes. Each target is a
// JSON value under prefix+target that expires after ttl.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStore) key(target string) string { return r.prefix + target }

func (r *RedisStore) write(ctx context.Context, s Status) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	if err := r.client.Set(ctx, r.key(s.Target), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store status for %s: %w", s.Target, err)
	}
	return nil
}

func (r *RedisStore) load(ctx context.Context, target string) (Status, bool, error) {
	data, err := r.client.Get(ctx, r.key(target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("failed to read status for %s: %w", target, err)
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, false, fmt.Errorf("failed to decode status for %s: %w", target, err)
	}
	return s, true, nil
}

func (r *RedisStore) Start(ctx context.Context, target, runID string, selected []string) (Status, error) {
	s := Status{
		Target:    target,
		RunID:     runID,
		Phase:     PhaseStarting,
		Message:   "sync requested",
		Selected:  selected,
		UpdatedAt: time.Now().UTC(),
	}
	return s, r.write(ctx, s)
}

// Update is a read-modify-write without locking; concurrent writers for the
// same target race and the last one wins.
func (r *RedisStore) Update(ctx context.Context, target string, u Update) error {
	prev, _, err := r.load(ctx, target)
	if err != nil {
		return err
	}
	return r.write(ctx, apply(prev, target, u))
}

func (r *RedisStore) Read(ctx context.Context, target string) (Status, error) {
	s, ok, err := r.load(ctx, target)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return NotFound(target), nil
	}
	return s, nil
}

func (r *RedisStore) Forget(ctx context.Context, target string) error {
	if target != AllTargets {
		return r.client.Del(ctx, r.key(target)).Err()
	}
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
