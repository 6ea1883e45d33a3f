package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired lease re-acquired by another worker is never released by us.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

const lockPollInterval = 25 * time.Millisecond

// LeaseLock implements ports.AccountLocker with expiring Redis leases.
// A lease outlives a crashed holder by at most ttl.
type LeaseLock struct {
	client goredis.Cmdable
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// NewLeaseLock creates a locker whose leases expire after ttl.
func NewLeaseLock(client goredis.Cmdable, ttl time.Duration) *LeaseLock {
	return &LeaseLock{
		client: client,
		ttl:    ttl,
		tokens: make(map[string]string),
	}
}

// Acquire polls for the lease until it is granted, timeout elapses, or ctx ends.
func (l *LeaseLock) Acquire(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		err := l.client.SetArgs(ctx, lockPrefix+key, token, goredis.SetArgs{
			Mode: "NX",
			TTL:  l.ttl,
		}).Err()
		switch {
		case err == nil:
			l.mu.Lock()
			l.tokens[key] = token
			l.mu.Unlock()
			return true, nil
		case !errors.Is(err, goredis.Nil):
			return false, fmt.Errorf("redis lock acquire: %w", err)
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return false, nil
		}
		if wait > lockPollInterval {
			wait = lockPollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release drops a lease held by this locker. Releasing an unknown or
// already-expired lease is not an error.
func (l *LeaseLock) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	token, ok := l.tokens[key]
	delete(l.tokens, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := releaseScript.Run(ctx, l.client, []string{lockPrefix + key}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("redis lock release: %w", err)
	}
	return nil
}
