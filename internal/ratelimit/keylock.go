package ratelimit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// A one-slot semaphore, so waiters can give up when their context ends.
type keyLock struct {
	sem  chan struct{}
	refs int
}

// keyLocks hands out one lock per customer. Entries are dropped when the
// last holder or waiter releases them, so the map only holds busy customers.
type keyLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[uuid.UUID]*keyLock)}
}

// Lock waits until the customer's lock is held or ctx is done, and returns
// the release func.
func (k *keyLocks) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(id, l)
		return nil, ctx.Err()
	}

	return func() {
		<-l.sem
		k.release(id, l)
	}, nil
}

func (k *keyLocks) release(id uuid.UUID, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
