package internal

import "sync"

// keymutex serializes work per key so concurrent writes for the same book
// can't produce torn merges, while writes for different books proceed in
// parallel.
type keymutex struct {
	mu    sync.Mutex
	locks map[string]*keylock
}

type keylock struct {
	mu   sync.Mutex
	refs int
}

func newKeymutex() *keymutex {
	return &keymutex{locks: map[string]*keylock{}}
}

// Lock acquires the lock for the key, blocking if another goroutine holds
// it.
func (k *keymutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keylock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the key's lock and frees it once nobody is waiting.
func (k *keymutex) Unlock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("unlock of unheld keymutex: " + key)
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
