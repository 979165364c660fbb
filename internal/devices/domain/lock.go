package devices

import "sync"

// KeyedMutex serializes all mutations of a single device while leaving
// unrelated devices uncontended.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex constructs a keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for a device id and returns its unlock func.
func (k *KeyedMutex) Lock(deviceID string) func() {
	k.mu.Lock()
	lock, ok := k.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[deviceID] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
