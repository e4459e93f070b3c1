package lock

import (
	"context"
	"strconv"
	"sync"
)

// Locker serializes check-then-send sections by key. The dispatcher holds an
// enrollment key while it decides and sends a step, and an identity key
// around the cap check so two workers cannot both pass the rate limit for
// the same mailbox. Keys are always taken enrollment first.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func IdentityKey(identityID int) string {
	return "identity:" + strconv.Itoa(identityID)
}

func EnrollmentKey(enrollmentID int) string {
	return "enrollment:" + strconv.Itoa(enrollmentID)
}

// LocalLocker is a keyed mutex map for a single scheduler process.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]chan struct{})}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ Locker = (*LocalLocker)(nil)
