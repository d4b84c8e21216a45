package keypool

import (
	"sync"
	"time"
)

// Usage accumulates per-key call counters.
type Usage struct {
	Calls            int64
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
}

func (u *Usage) add(d Usage) {
	u.Calls += d.Calls
	u.PromptTokens += d.PromptTokens
	u.CompletionTokens += d.CompletionTokens
	u.CostUSD += d.CostUSD
}

// cooldown makes a key ineligible for one model until the deadline
// passes. Strikes advance the exponential backoff on repeat failures.
type cooldown struct {
	until   time.Time
	strikes int
}

// keyState is the live state of one credential. The gate channel bounds
// concurrent use across distinct models; the per-model fifoMutex
// serializes use of the same model. All other fields are guarded by mu.
type keyState struct {
	key         string
	fingerprint string
	provider    string
	index       int

	gate chan struct{}

	mu           sync.Mutex
	locks        map[string]*fifoMutex
	cooldowns    map[string]*cooldown
	lockoutUntil time.Time
	failedModels map[string]struct{}
	inflight     int
	lastUsed     time.Time
	usageToday   Usage
	usageTotal   Usage
}

func newKeyState(key, fingerprint, providerName string, index, gateSize int) *keyState {
	return &keyState{
		key:          key,
		fingerprint:  fingerprint,
		provider:     providerName,
		index:        index,
		gate:         make(chan struct{}, gateSize),
		locks:        make(map[string]*fifoMutex),
		cooldowns:    make(map[string]*cooldown),
		failedModels: make(map[string]struct{}),
	}
}

// eligibleAt reports whether the key may serve model at now, and if not,
// the earliest instant it could become eligible again.
func (ks *keyState) eligibleAt(model string, now time.Time) (bool, time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	next := time.Time{}
	if now.Before(ks.lockoutUntil) {
		next = ks.lockoutUntil
	}
	if cd, ok := ks.cooldowns[model]; ok && now.Before(cd.until) {
		if cd.until.After(next) {
			next = cd.until
		}
	}
	return next.IsZero(), next
}

// modelLock returns the FIFO mutex for model, creating it lazily.
func (ks *keyState) modelLock(model string) *fifoMutex {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	fm, ok := ks.locks[model]
	if !ok {
		fm = &fifoMutex{}
		ks.locks[model] = fm
	}
	return fm
}

// tryAcquireGate takes a gate slot if one is immediately free.
func (ks *keyState) tryAcquireGate() bool {
	select {
	case ks.gate <- struct{}{}:
		return true
	default:
		return false
	}
}

func (ks *keyState) releaseGate() {
	<-ks.gate
}

// markAcquired records an in-flight request starting at now.
func (ks *keyState) markAcquired(now time.Time) {
	ks.mu.Lock()
	ks.inflight++
	ks.lastUsed = now
	ks.mu.Unlock()
}

func (ks *keyState) markReleased(now time.Time) {
	ks.mu.Lock()
	ks.inflight--
	ks.lastUsed = now
	ks.mu.Unlock()
}

// load returns the scheduling inputs used to rank candidates.
func (ks *keyState) load() (inflight int, lastUsed time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.inflight, ks.lastUsed
}
