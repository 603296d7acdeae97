// Copyright (C) 2025-2026 SpecForge
// SPDX-License-Identifier: AGPL-3.0-or-later

package locking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/specforge/specforge/internal/logger"
)

var (
	lockLog     *zerolog.Logger
	lockLogOnce sync.Once
)

func getLockLog() *zerolog.Logger {
	lockLogOnce.Do(func() {
		l := logger.GetLockLogger().With().Str("component", "redis_locker").Logger()
		lockLog = &l
	})
	return lockLog
}

const lockKeyPrefix = "specforge:tasklock:"

// releaseScript deletes the lock only when still owned by the caller's token,
// so an expired-and-reacquired lock is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisTaskLocker implements an advisory task lock over Redis SetNX with a
// TTL. Acquisition polls until the lock is obtained or ctx is done.
type RedisTaskLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
}

// NewRedisTaskLocker creates a RedisTaskLocker and verifies connectivity.
func NewRedisTaskLocker(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisTaskLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisTaskLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 50 * time.Millisecond,
	}, nil
}

// Acquire blocks until the task lock is held or ctx is done. The lock
// auto-expires after the TTL so a crashed holder cannot wedge the task.
func (l *RedisTaskLocker) Acquire(ctx context.Context, taskID string) (func(), error) {
	key := lockKeyPrefix + taskID
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire task lock %s: %w", taskID, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release runs on a fresh context; the caller's ctx may already
			// be done by the time the deferred release fires.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				getLockLog().Error().Err(err).Str("task_id", taskID).Msg("Failed to release task lock")
			}
		})
	}
	return release, nil
}

// Close releases the underlying Redis connection pool.
func (l *RedisTaskLocker) Close() error {
	return l.client.Close()
}
