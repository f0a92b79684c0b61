// Package ledger records which (job, channel, recipient) deliveries already
// succeeded, so a retried job skips recipients it has reached before.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "herald:delivery:"

// DefaultTTL applies when a ledger is built with a non-positive TTL.
const DefaultTTL = 7 * 24 * time.Hour

// Key identifies one delivery of a job to a recipient over a channel.
func Key(jobID, channel, recipient string) string {
	return jobID + ":" + channel + ":" + recipient
}

// Redis keeps ledger entries as plain keys with a TTL.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{rdb: rdb, ttl: ttl}
}

func (l *Redis) Seen(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (l *Redis) Mark(ctx context.Context, key, messageID string) error {
	return l.rdb.Set(ctx, keyPrefix+key, messageID, l.ttl).Err()
}

// Ping checks the Redis connection.
func (l *Redis) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// Memory is a process-local ledger. Entries do not survive a restart.
// Expired entries are pruned by Mark at most once per TTL.
type Memory struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	entries   map[string]time.Time
	lastSweep time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]time.Time)}
}

func (l *Memory) Seen(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	expires, ok := l.entries[key]
	if !ok {
		return false, nil
	}
	if l.now().After(expires) {
		delete(l.entries, key)
		return false, nil
	}
	return true, nil
}

func (l *Memory) Mark(_ context.Context, key, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}
	l.entries[key] = now.Add(l.ttl)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (l *Memory) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweep(l.now())
}

func (l *Memory) sweep(now time.Time) int {
	n := 0
	for key, expires := range l.entries {
		if now.After(expires) {
			delete(l.entries, key)
			n++
		}
	}
	l.lastSweep = now
	return n
}

// Len reports the number of stored entries, expired ones included.
func (l *Memory) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
