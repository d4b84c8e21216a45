package keypool

import "sync"

// Lease is the release token vended with a selected key. It bundles the
// key's gate slot and the (key, model) mutex; Release returns both and
// is safe to call more than once.
type Lease struct {
	m     *Manager
	ks    *keyState
	model string
	fifo  *fifoMutex
	once  sync.Once
}

// Key returns the raw credential for the provider call.
func (l *Lease) Key() string { return l.ks.key }

// Fingerprint returns the key's one-way fingerprint, safe for logs and
// for the dispatcher's tried-keys set.
func (l *Lease) Fingerprint() string { return l.ks.fingerprint }

// Provider returns the provider the key belongs to.
func (l *Lease) Provider() string { return l.ks.provider }

// Model returns the model this lease is scoped to.
func (l *Lease) Model() string { return l.model }

// Release returns the key's locks to the pool. Calling Release again is
// a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.ks.markReleased(l.m.clock.Now())
		l.fifo.Unlock()
		l.ks.releaseGate()
		l.m.metrics.LeasesInFlight.Dec()
	})
}
