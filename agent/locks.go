package agent

import "sync"

// threadLocks serializes runs per thread. Entries are dropped once unused.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// lock acquires the thread's mutex and returns its release func.
func (t *threadLocks) lock(thread string) func() {
	t.mu.Lock()
	l, ok := t.locks[thread]
	if !ok {
		l = &threadLock{}
		t.locks[thread] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, thread)
		}
		t.mu.Unlock()
	}
}
