package store

import (
	"sync"
	"time"
)

// syncTryMutex is a sync.Mutex with a timed acquire, matching the Task
// Store's documented 60-second lock-acquisition timeout.
type syncTryMutex struct {
	mu sync.Mutex
}

// Acquire blocks until the lock is held or timeout elapses.
func (m *syncTryMutex) Acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if m.mu.TryLock() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Release unlocks the mutex.
func (m *syncTryMutex) Release() {
	m.mu.Unlock()
}
