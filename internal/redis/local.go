package redisclient

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLocker serializes work per key inside one process. It is used when
// Redis is disabled and as the fallback while Redis is unreachable; the
// database advisory locks still protect multi-instance deployments.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
	wait  time.Duration
}

type localLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{
		locks: make(map[string]*localLock),
		wait:  wait,
	}
}

func (l *LocalLocker) WithResourceLock(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	release, err := l.acquire(ctx, keys)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

func (l *LocalLocker) acquire(ctx context.Context, keys []string) (func(), error) {
	keys = normalizeKeys(keys)

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	var held []string
	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}

	for _, key := range keys {
		lk := l.ref(key)
		select {
		case lk.sem <- struct{}{}:
			held = append(held, key)
		case <-waitCtx.Done():
			l.unref(key)
			releaseHeld()
			return nil, fmt.Errorf("%w: %v", ErrLockNotAcquired, waitCtx.Err())
		}
	}

	return releaseHeld, nil
}

func (l *LocalLocker) ref(key string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	return lk
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lk, ok := l.locks[key]; ok {
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, key)
		}
	}
}

func (l *LocalLocker) unlock(key string) {
	l.mu.Lock()
	lk := l.locks[key]
	l.mu.Unlock()

	<-lk.sem
	l.unref(key)
}
