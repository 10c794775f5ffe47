package utils

import (
	"sync"
)

// OptionalMutex is a sync.Mutex that can be switched off for objects the consumer has promised
// to synchronize externally.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}

// TryLock reports whether the lock was taken. It always succeeds when the mutex is switched off.
func (m *OptionalMutex) TryLock() bool {
	if m.UseMutex {
		return m.Mutex.TryLock()
	}

	return true
}
