package bfile

import (
	"sync"
	"time"
)

// LockStats represents statistics for a named lock.
type LockStats struct {
	ReadAcquisitions  int64
	WriteAcquisitions int64
	Timeouts          int64
	WriteWaitTime     time.Duration
}

type namedLock struct {
	rw    sync.RWMutex
	mu    sync.Mutex
	stats LockStats
}

// LockManager provides read/write locks keyed by the logical name of a
// file. Locks are not reentrant.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*namedLock
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*namedLock)}
}

func (lm *LockManager) lock(name string) *namedLock {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.locks[name]
	if !ok {
		l = &namedLock{}
		lm.locks[name] = l
	}
	return l
}

// AcquireRead blocks until the read lock is held and returns its release.
func (lm *LockManager) AcquireRead(name string) func() {
	l := lm.lock(name)
	l.rw.RLock()
	l.mu.Lock()
	l.stats.ReadAcquisitions++
	l.mu.Unlock()
	return l.rw.RUnlock
}

// AcquireWrite blocks until the write lock is held and returns its release.
func (lm *LockManager) AcquireWrite(name string) func() {
	l := lm.lock(name)
	start := time.Now()
	l.rw.Lock()
	l.mu.Lock()
	l.stats.WriteAcquisitions++
	l.stats.WriteWaitTime += time.Since(start)
	l.mu.Unlock()
	return l.rw.Unlock
}

// AcquireReadTimeout polls for the read lock until timeout elapses. A
// timeout <= 0 blocks like AcquireRead.
func (lm *LockManager) AcquireReadTimeout(name string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		return lm.AcquireRead(name), nil
	}
	l := lm.lock(name)
	deadline := time.Now().Add(timeout)
	for !l.rw.TryRLock() {
		if time.Now().After(deadline) {
			l.mu.Lock()
			l.stats.Timeouts++
			l.mu.Unlock()
			return nil, ErrLockTimeout
		}
		time.Sleep(time.Millisecond)
	}
	l.mu.Lock()
	l.stats.ReadAcquisitions++
	l.mu.Unlock()
	return l.rw.RUnlock, nil
}

// Stats returns a snapshot of the statistics of the named lock.
func (lm *LockManager) Stats(name string) LockStats {
	l := lm.lock(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
