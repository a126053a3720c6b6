package points

import (
	"context"
	"sync"
	"time"
)

// accountLocks serialises work per user key. Entries live only while someone holds or waits.
type accountLocks struct {
	mutex   sync.Mutex
	entries map[string]*accountLock
}

type accountLock struct {
	slot    chan struct{}
	holders int
}

func newAccountLocks() *accountLocks {
	return &accountLocks{entries: make(map[string]*accountLock)}
}

func (locks *accountLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	locks.mutex.Lock()
	entry, ok := locks.entries[key]
	if !ok {
		entry = &accountLock{slot: make(chan struct{}, 1)}
		locks.entries[key] = entry
	}
	entry.holders++
	locks.mutex.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case entry.slot <- struct{}{}:
		return nil
	case <-timer.C:
		locks.forget(key, entry)
		return ErrAccountLockTimeout
	case <-ctx.Done():
		locks.forget(key, entry)
		return ctx.Err()
	}
}

func (locks *accountLocks) release(key string) {
	locks.mutex.Lock()
	entry, ok := locks.entries[key]
	locks.mutex.Unlock()
	if !ok {
		return
	}
	<-entry.slot
	locks.forget(key, entry)
}

func (locks *accountLocks) forget(key string, entry *accountLock) {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry.holders--
	if entry.holders == 0 {
		delete(locks.entries, key)
	}
}
