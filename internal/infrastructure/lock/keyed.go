package lock

import (
	"context"
	"sync"
	"time"
)

// Keyed hands out one RWMutex per key and drops it when no holder or waiter remains.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	rw   sync.RWMutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*keyedEntry)}
}

func (k *Keyed) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// LockKey takes the exclusive side for key.
func (k *Keyed) LockKey(key string) func() {
	e := k.acquire(key)
	e.rw.Lock()
	return func() {
		e.rw.Unlock()
		k.release(key, e)
	}
}

// RLockKey takes the shared side for key.
func (k *Keyed) RLockKey(key string) func() {
	e := k.acquire(key)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		k.release(key, e)
	}
}

// Lock satisfies ports.Locker for single-process deployments. ttl is ignored.
func (k *Keyed) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return k.LockKey(key), nil
}
