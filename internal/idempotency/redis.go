package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares idempotency records across relay instances. Begin relies
// on SETNX for the single-flight guarantee; record TTLs are enforced by redis
// key expiry.
type RedisStore struct {
	client *redis.Client
	ttls   TTLs
}

func NewRedisStore(client *redis.Client, ttls TTLs) *RedisStore {
	return &RedisStore{client: client, ttls: ttls}
}

func redisKey(workspaceID, key string) string {
	return "relay:idem:" + workspaceID + ":" + key
}

func (r *RedisStore) Begin(ctx context.Context, workspaceID, key string) (BeginResult, error) {
	now := time.Now().UTC()
	rec := Record{
		Key:         key,
		WorkspaceID: workspaceID,
		Status:      StatusInFlight,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttls.Record),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return BeginResult{}, fmt.Errorf("Begin: %w", err)
	}

	k := redisKey(workspaceID, key)
	// Two attempts: the losing Get can race a key that expires between the
	// failed SETNX and the read.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := r.client.SetNX(ctx, k, payload, r.ttls.Record).Result()
		if err != nil {
			return BeginResult{}, fmt.Errorf("Begin: %w", err)
		}
		if ok {
			return BeginResult{Started: true}, nil
		}
		raw, err := r.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return BeginResult{}, fmt.Errorf("Begin: %w", err)
		}
		var existing Record
		if err := json.Unmarshal(raw, &existing); err != nil {
			return BeginResult{}, fmt.Errorf("Begin: decoding record: %w", err)
		}
		return BeginResult{Existing: &existing}, nil
	}
	return BeginResult{}, fmt.Errorf("Begin: key %q kept expiring under us", key)
}

func (r *RedisStore) Complete(ctx context.Context, workspaceID, key string, result []byte, digest string) error {
	return r.settle(ctx, workspaceID, key, func(rec *Record, now time.Time) time.Duration {
		rec.Status = StatusCompleted
		rec.Result = append([]byte(nil), result...)
		rec.ResultDigest = digest
		rec.CompletedAt = now
		rec.ExpiresAt = now.Add(r.ttls.Record)
		return r.ttls.Record
	})
}

func (r *RedisStore) Fail(ctx context.Context, workspaceID, key, errorKind, errorMessage string) error {
	return r.settle(ctx, workspaceID, key, func(rec *Record, now time.Time) time.Duration {
		rec.Status = StatusFailed
		rec.ErrorKind = errorKind
		rec.ErrorMessage = errorMessage
		rec.CompletedAt = now
		rec.ExpiresAt = now.Add(r.ttls.FailureCooldown)
		return r.ttls.FailureCooldown
	})
}

// settle rewrites an existing record through mutate and stores it with the
// TTL mutate chose.
func (r *RedisStore) settle(ctx context.Context, workspaceID, key string, mutate func(*Record, time.Time) time.Duration) error {
	k := redisKey(workspaceID, key)
	raw, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("settle: no record for key %q", key)
	}
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("settle: decoding record: %w", err)
	}

	ttl := mutate(&rec, time.Now().UTC())
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if err := r.client.Set(ctx, k, payload, ttl).Err(); err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	return nil
}

func (r *RedisStore) Lookup(ctx context.Context, workspaceID, key string) (*Record, error) {
	raw, err := r.client.Get(ctx, redisKey(workspaceID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Lookup: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("Lookup: decoding record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
