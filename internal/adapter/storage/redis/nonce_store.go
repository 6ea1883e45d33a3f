package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// NonceStore implements ports.NonceStore using Redis SET NX.
type NonceStore struct {
	client goredis.Cmdable
}

// NewNonceStore creates a new Redis-backed nonce store.
func NewNonceStore(client goredis.Cmdable) *NonceStore {
	return &NonceStore{client: client}
}

// CheckAndSet records nonce for clientID if unseen.
// Returns true if the nonce is new, false if it was already used within ttl.
func (s *NonceStore) CheckAndSet(ctx context.Context, clientID string, nonce string, ttl time.Duration) (bool, error) {
	key := noncePrefix + clientID + ":" + nonce
	result, err := s.client.SetArgs(ctx, key, 1, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis nonce check: %w", err)
	}
	return result == "OK", nil
}
