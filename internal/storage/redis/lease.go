package redisstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rzbill/relay/pkg/id"
)

// ErrNotAcquired is returned when a lease could not be taken within the
// configured wait window. Callers should back off and retry.
var ErrNotAcquired = errors.New("redis: lease not acquired")

// releaseScript deletes the lease key only when the stored token matches,
// so a holder can never release a lease that has expired and been re-taken.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lease is an expiring mutual-exclusion claim backed by SET NX EX.
// It covers the two primitives relay's coordination needs: atomic
// set-if-absent with TTL, and compare-and-delete on release.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

var tokens = id.NewGenerator()

// TryAcquire attempts to take the lease once, without waiting.
// Returns ErrNotAcquired when another holder owns the key.
func TryAcquire(ctx context.Context, c *redis.Client, key string, ttl time.Duration) (*Lease, error) {
	token := tokens.Next().String()
	ok, err := c.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{client: c, key: key, token: token}, nil
}

// Acquire takes the lease, retrying until wait elapses. The hold TTL bounds
// how long a crashed holder can block others.
func Acquire(ctx context.Context, c *redis.Client, key string, wait, ttl time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	backoff := 5 * time.Millisecond
	for {
		l, err := TryAcquire(ctx, c, key, ttl)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 80*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release deletes the lease if this holder still owns it. Idempotent.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// ClaimOwner records owner as the exclusive holder of key via SET NX EX.
// Unlike Lease, the stored value is the caller-provided identity so any node
// can inspect who owns a session. Returns false when already claimed.
func ClaimOwner(ctx context.Context, c *redis.Client, key, owner string, ttl time.Duration) (bool, error) {
	return c.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseOwner drops an ownership claim unconditionally. Safe to call when
// the claim was never held; a crashed node's claim simply expires instead.
func ReleaseOwner(ctx context.Context, c *redis.Client, key string) error {
	return c.Del(ctx, key).Err()
}

// Owner returns the current claim holder, or "" when unclaimed.
func Owner(ctx context.Context, c *redis.Client, key string) (string, error) {
	v, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
