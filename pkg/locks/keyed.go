package locks

import "sync"

// Keyed hands out one mutex per key and drops it once nobody holds or waits on it.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func MilestoneKey(id string) string  { return "milestone:" + id }
func CommissionKey(id string) string { return "commission:" + id }
