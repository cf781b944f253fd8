package session

import "sync"

// keyLock serializes work per session key while letting distinct keys
// proceed concurrently. Entries are reference-counted so the map does not
// grow with every key ever seen.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

func (kl *keyLock) Do(key string, fn func()) {
	kl.mu.Lock()
	if kl.locks == nil {
		kl.locks = make(map[string]*keyLockEntry)
	}
	entry := kl.locks[key]
	if entry == nil {
		entry = &keyLockEntry{}
		kl.locks[key] = entry
	}
	entry.refs++
	kl.mu.Unlock()

	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		kl.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(kl.locks, key)
		}
		kl.mu.Unlock()
	}()

	fn()
}
