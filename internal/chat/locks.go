package chat

import "sync"

// keyedMutex provides one mutex per conversation id so the write path and its
// fan-out run serialized per conversation, never behind a global lock.
// Entries are retained for the process lifetime; they are bounded by the
// number of live conversations.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) *sync.Mutex {
	k.mu.Lock()
	m := k.locks[key]
	if m == nil {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m
}
