package tracked

import "sync"

// Locks serializes invocations of a task by name within one process. It is
// per name, not per task id: a registered function may keep state that is not
// safe for concurrent use, so two different task ids of the same name do not
// run at the same time either. Swap in NoopLocks to lift that restriction.
type Locks interface {
	Lock(name string) (unlock func())
}

type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *LockRegistry) Lock(name string) func() {
	r.mu.Lock()
	m, ok := r.locks[name]
	if !ok {
		m = &sync.Mutex{}
		r.locks[name] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}

type NoopLocks struct{}

func (NoopLocks) Lock(string) func() { return func() {} }
