package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseNotHeld is returned when a lease expired before it was released
var ErrLeaseNotHeld = errors.New("lease not held")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseLocker is a distributed per-key lock built on SET NX PX leases.
// It lets several service replicas serialize work on the same debt.
type LeaseLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewLeaseLocker creates a lease locker. A nil client falls back to the package client.
func NewLeaseLocker(c *redis.Client, prefix string, ttl, retry time.Duration) *LeaseLocker {
	if c == nil {
		c = client
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &LeaseLocker{client: c, prefix: prefix, ttl: ttl, retry: retry}
}

// Lock waits until the lease for key is acquired or ctx is done.
func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	storageKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, storageKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", storageKey, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return func() {
		// release must survive a cancelled request context
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = l.release(releaseCtx, storageKey, token)
	}, nil
}

func (l *LeaseLocker) release(ctx context.Context, storageKey, token string) error {
	n, err := releaseScript.Run(ctx, l.client, []string{storageKey}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}
