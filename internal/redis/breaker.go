package redisclient

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// FallbackLocker acquires locks through primary while it is healthy and
// through fallback once the circuit breaker opens. Contention
// (ErrLockNotAcquired) and caller cancellation do not count as failures.
type FallbackLocker struct {
	primary  acquirer
	fallback acquirer
	ttl      time.Duration
	cb       *gobreaker.CircuitBreaker[func()]
	log      *zap.Logger
}

func NewFallbackLocker(primary Locker, fallback *LocalLocker, ttl time.Duration, log *zap.Logger) *FallbackLocker {
	p, ok := primary.(acquirer)
	if !ok {
		panic("redisclient: primary locker does not support acquisition")
	}

	settings := gobreaker.Settings{
		Name:        "redis-locker",
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrLockNotAcquired) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("lock circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &FallbackLocker{
		primary:  p,
		fallback: fallback,
		ttl:      ttl,
		cb:       gobreaker.NewCircuitBreaker[func()](settings),
		log:      log,
	}
}

func (l *FallbackLocker) WithResourceLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	release, err := l.cb.Execute(func() (func(), error) {
		return l.primary.acquire(ctx, keys)
	})
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) || ctx.Err() != nil {
			return err
		}
		l.log.Warn("redis lock unavailable, using local lock", zap.Error(err))
		release, err = l.fallback.acquire(ctx, keys)
		if err != nil {
			return err
		}
	}
	defer release()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *FallbackLocker) State() gobreaker.State {
	return l.cb.State()
}
