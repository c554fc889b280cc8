package tweak

import (
	"context"
	"sync"
)

// TargetLocks serializes runs against the same deployed contract. Keys are
// clone.Project.Target values.
type TargetLocks struct {
	mu    sync.Mutex
	locks map[string]*targetLock
}

type targetLock struct {
	sem  chan struct{}
	refs int
}

// NewTargetLocks creates an empty lock set.
func NewTargetLocks() *TargetLocks {
	return &TargetLocks{locks: make(map[string]*targetLock)}
}

// Lock blocks until target is free or ctx is done. The returned func
// releases the lock and must be called exactly once.
func (l *TargetLocks) Lock(ctx context.Context, target string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[target]
	if !ok {
		tl = &targetLock{sem: make(chan struct{}, 1)}
		l.locks[target] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(target, tl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-tl.sem
			l.release(target, tl)
		})
	}, nil
}

func (l *TargetLocks) release(target string, tl *targetLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, target)
	}
}

// Len returns the number of targets with a holder or waiter.
func (l *TargetLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
