package keypool

import (
	"context"
	"sync"
	"time"
)

// fifoMutex is a mutual-exclusion lock whose waiters are served in
// arrival order. Unlock hands ownership directly to the oldest waiter,
// so a stream of acquirers cannot starve one another.
type fifoMutex struct {
	mu      sync.Mutex
	locked  bool
	waiters []chan struct{}
}

// TryLock acquires the lock if it is immediately free.
func (m *fifoMutex) TryLock() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Lock blocks until the lock is acquired, ctx is done, or the supplied
// timer channel fires. The timer is provided by the caller so a fake
// clock can drive deadline expiry in tests.
func (m *fifoMutex) Lock(ctx context.Context, timer <-chan time.Time) error {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.abandon(ch)
		return ctx.Err()
	case <-timer:
		m.abandon(ch)
		return errAcquireTimeout
	}
}

// Unlock releases the lock, handing it to the oldest waiter if any.
func (m *fifoMutex) Unlock() {
	m.mu.Lock()
	m.handOff()
	m.mu.Unlock()
}

// abandon withdraws a waiter. If ownership was handed to the waiter in
// the same instant it gave up, the lock is passed on instead of leaking.
func (m *fifoMutex) abandon(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
	// Not in the list: Unlock already transferred ownership to us.
	m.handOff()
}

func (m *fifoMutex) handOff() {
	if len(m.waiters) > 0 {
		ch := m.waiters[0]
		m.waiters = m.waiters[1:]
		close(ch) // ownership transfers; locked stays true
		return
	}
	m.locked = false
}
