package redisclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("resource lock not acquired")
)

// Locker is used by the scheduling service to guard critical sections per
// resource. A busy key is waited on, not failed fast, so that two requests
// for the same clinician run one after the other.
type Locker interface {
	WithResourceLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// acquirer is implemented by lockers that can be driven by FallbackLocker.
type acquirer interface {
	acquire(ctx context.Context, keys []string) (release func(), err error)
}

type redisResourceLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewRedisResourceLocker creates a locker that uses one Redis key per
// resource. ttl bounds how long a lock (and the guarded work) may live;
// wait bounds how long acquisition retries on a busy key.
func NewRedisResourceLocker(client *redis.Client, ttl, wait time.Duration) Locker {
	return &redisResourceLocker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		retry:  25 * time.Millisecond,
	}
}

func (l *redisResourceLocker) WithResourceLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, keys)
	if err != nil {
		return err
	}
	defer release()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *redisResourceLocker) acquire(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)

	var held []string
	releaseHeld := func() {
		// The caller's context may already be cancelled; unlocking must still run.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.release(relCtx, held[i], token)
		}
	}

	for _, key := range keys {
		redisKey := fmt.Sprintf("lock:resource:%s", key)
		if err := l.acquireOne(ctx, redisKey, token, deadline); err != nil {
			releaseHeld()
			return nil, err
		}
		held = append(held, redisKey)
	}

	return releaseHeld, nil
}

func (l *redisResourceLocker) acquireOne(ctx context.Context, key, token string, deadline time.Time) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire resource lock: %w", err)
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}

		pause := l.retry + time.Duration(rand.Int63n(int64(l.retry)))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrLockNotAcquired, ctx.Err())
		case <-time.After(pause):
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisResourceLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release resource lock: %w", err)
	}
	return nil
}

// normalizeKeys sorts and de-duplicates keys. A fixed acquisition order
// keeps two multi-resource requests from deadlocking each other.
func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
