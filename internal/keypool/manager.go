// Package keypool owns credential lifecycle state: per-model cooldowns,
// key-wide lockouts, the tiered locking discipline that lets one key
// serve many distinct models concurrently, usage accounting, and the
// debounced snapshot writer.
package keypool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/blueberrycongee/keymux/internal/metrics"
	"github.com/blueberrycongee/keymux/internal/observability"
	llmerrors "github.com/blueberrycongee/keymux/pkg/errors"
	"github.com/blueberrycongee/keymux/pkg/store"
)

var (
	// ErrNoKeys is returned when no key could ever satisfy the request:
	// the provider has no keys, or every key has already been tried.
	ErrNoKeys = errors.New("keypool: no eligible keys")

	// ErrDeadline is returned when the request deadline expired before a
	// key could be acquired.
	ErrDeadline = errors.New("keypool: deadline exceeded waiting for a key")

	errAcquireTimeout = errors.New("keypool: acquire timed out")
)

const dateLayout = "2006-01-02"

// Config holds the tunables of the cooldown and locking machinery.
type Config struct {
	// MaxConcurrentModelsPerKey bounds distinct-model concurrency per key.
	MaxConcurrentModelsPerKey int
	// CooldownBase is the backoff base for rate-limit and auth cooldowns.
	CooldownBase time.Duration
	// CooldownCap bounds the backoff exponent.
	CooldownCap int
	// DistinctFailureThreshold is the number of distinct models a key may
	// fail on before a key-wide lockout.
	DistinctFailureThreshold int
	// LockoutWindow is the duration of a key-wide lockout.
	LockoutWindow time.Duration
	// FlushInterval debounces snapshot writes.
	FlushInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxConcurrentModelsPerKey <= 0 {
		c.MaxConcurrentModelsPerKey = 8
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = 30 * time.Second
	}
	if c.CooldownCap <= 0 {
		c.CooldownCap = 6
	}
	if c.DistinctFailureThreshold <= 0 {
		c.DistinctFailureThreshold = 3
	}
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = 15 * time.Minute
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// Options carries the manager's collaborators.
type Options struct {
	Config  Config
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Store   store.Store
	Metrics *metrics.Set
}

// Manager is the usage manager. It vends leases, applies the failure
// state machine, rolls usage over at local midnight, and persists
// counters through the configured store.
//
// Manager is safe for concurrent use by multiple goroutines.
type Manager struct {
	cfg     Config
	clock   clockwork.Clock
	logger  *slog.Logger
	store   store.Store
	metrics *metrics.Set

	mu            sync.RWMutex
	keys          map[string][]*keyState // provider -> keys in configured order
	byFingerprint map[string]*keyState
	lastResetDate string

	dirty  chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewManager builds a manager for the supplied provider → keys pools and
// restores persisted usage. Snapshot load failures are logged, not fatal.
func NewManager(pools map[string][]string, opts Options) *Manager {
	opts.Config.withDefaults()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}

	m := &Manager{
		cfg:           opts.Config,
		clock:         opts.Clock,
		logger:        opts.Logger,
		store:         opts.Store,
		metrics:       opts.Metrics,
		keys:          make(map[string][]*keyState, len(pools)),
		byFingerprint: make(map[string]*keyState),
		dirty:         make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	for providerName, keys := range pools {
		states := make([]*keyState, 0, len(keys))
		for i, key := range keys {
			ks := newKeyState(key, observability.FingerprintKey(key), providerName, i, m.cfg.MaxConcurrentModelsPerKey)
			states = append(states, ks)
			m.byFingerprint[ks.fingerprint] = ks
		}
		m.keys[providerName] = states
	}

	m.lastResetDate = m.clock.Now().Format(dateLayout)
	m.restore()

	m.wg.Add(2)
	go m.writerLoop()
	go m.midnightLoop()

	return m
}

// Acquire selects an eligible key for (provider, model) under the tiered
// discipline, blocking no later than deadline. Keys whose fingerprints
// appear in exclude are skipped.
func (m *Manager) Acquire(ctx context.Context, providerName, model string, deadline time.Time, exclude map[string]struct{}) (*Lease, error) {
	m.ResetDailyIfNeeded()

	for {
		now := m.clock.Now()
		if !now.Before(deadline) {
			m.metrics.NoKeyTotal.WithLabelValues(metrics.ReasonDeadline).Inc()
			return nil, ErrDeadline
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidates, earliest := m.eligible(providerName, model, exclude, now)
		m.metrics.KeysEligible.WithLabelValues(providerName).Set(float64(len(candidates)))

		if len(candidates) == 0 {
			if earliest.IsZero() {
				m.metrics.NoKeyTotal.WithLabelValues(metrics.ReasonNoKeys).Inc()
				return nil, ErrNoKeys
			}
			// Every remaining key is cooling down or locked out. Sleep
			// until the first one thaws, or the deadline, whichever is
			// sooner, then re-evaluate.
			wake := earliest
			if wake.After(deadline) {
				wake = deadline
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-m.clock.After(wake.Sub(now)):
			}
			if !earliest.Before(deadline) {
				m.metrics.NoKeyTotal.WithLabelValues(metrics.ReasonAllCooling).Inc()
				return nil, ErrDeadline
			}
			continue
		}

		sortCandidates(candidates)

		// Tier 1: a candidate whose model mutex and gate are both free
		// right now, best-loaded first.
		for _, c := range candidates {
			if lease := m.tryLease(c.ks, model, now); lease != nil {
				return lease, nil
			}
		}

		// Tier 2: wait on the least-loaded candidate's model mutex.
		lease, err := m.waitLease(ctx, candidates[0].ks, model, deadline)
		if err != nil {
			if errors.Is(err, errAcquireTimeout) {
				m.metrics.NoKeyTotal.WithLabelValues(metrics.ReasonDeadline).Inc()
				return nil, ErrDeadline
			}
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}
		// The key lost eligibility while we waited; go around again.
	}
}

type candidate struct {
	ks       *keyState
	inflight int
	lastUsed time.Time
}

// eligible returns the selectable keys for (provider, model) and, when
// none qualify, the earliest instant any excluded-by-cooldown key thaws.
func (m *Manager) eligible(providerName, model string, exclude map[string]struct{}, now time.Time) ([]candidate, time.Time) {
	m.mu.RLock()
	states := m.keys[providerName]
	m.mu.RUnlock()

	var out []candidate
	var earliest time.Time
	for _, ks := range states {
		if _, tried := exclude[ks.fingerprint]; tried {
			continue
		}
		ok, next := ks.eligibleAt(model, now)
		if !ok {
			if earliest.IsZero() || next.Before(earliest) {
				earliest = next
			}
			continue
		}
		inflight, lastUsed := ks.load()
		out = append(out, candidate{ks: ks, inflight: inflight, lastUsed: lastUsed})
	}
	return out, earliest
}

func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].inflight != cs[j].inflight {
			return cs[i].inflight < cs[j].inflight
		}
		if !cs[i].lastUsed.Equal(cs[j].lastUsed) {
			return cs[i].lastUsed.Before(cs[j].lastUsed)
		}
		return cs[i].ks.index < cs[j].ks.index
	})
}

// tryLease attempts a non-blocking acquisition of both tiers.
func (m *Manager) tryLease(ks *keyState, model string, now time.Time) *Lease {
	fm := ks.modelLock(model)
	if !fm.TryLock() {
		return nil
	}
	if !ks.tryAcquireGate() {
		fm.Unlock()
		return nil
	}
	ks.markAcquired(now)
	m.metrics.LeasesInFlight.Inc()
	return &Lease{m: m, ks: ks, model: model, fifo: fm}
}

// waitLease blocks on the key's model mutex and then its gate, bounded
// by deadline. A nil, nil return means the key lost eligibility while
// we waited and the caller should reselect.
func (m *Manager) waitLease(ctx context.Context, ks *keyState, model string, deadline time.Time) (*Lease, error) {
	fm := ks.modelLock(model)

	now := m.clock.Now()
	if err := fm.Lock(ctx, m.clock.After(deadline.Sub(now))); err != nil {
		return nil, err
	}

	now = m.clock.Now()
	if ok, _ := ks.eligibleAt(model, now); !ok {
		fm.Unlock()
		return nil, nil
	}

	select {
	case ks.gate <- struct{}{}:
	case <-ctx.Done():
		fm.Unlock()
		return nil, ctx.Err()
	case <-m.clock.After(deadline.Sub(now)):
		fm.Unlock()
		return nil, errAcquireTimeout
	}

	ks.markAcquired(m.clock.Now())
	m.metrics.LeasesInFlight.Inc()
	return &Lease{m: m, ks: ks, model: model, fifo: fm}, nil
}

// RecordSuccess adds a completed request's usage to the leased key and
// schedules a snapshot write.
func (m *Manager) RecordSuccess(l *Lease, delta Usage) {
	l.ks.mu.Lock()
	l.ks.usageToday.add(delta)
	l.ks.mu.Unlock()
	m.markDirty()
}

// RecordFailure applies the cooldown state machine for a classified
// failure on the leased (key, model) pair.
func (m *Manager) RecordFailure(l *Lease, kind llmerrors.Kind) {
	now := m.clock.Now()
	ks, model := l.ks, l.model

	ks.mu.Lock()
	lockedOut := false
	switch kind {
	case llmerrors.KindRateLimit:
		cd := ks.cooldownFor(model)
		cd.strikes++
		ks.extendCooldown(cd, now, m.backoff(cd.strikes))
	case llmerrors.KindAuthentication:
		cd := ks.cooldownFor(model)
		cd.strikes += 2
		ks.extendCooldown(cd, now, m.backoff(cd.strikes))
		ks.failedModels[model] = struct{}{}
		if len(ks.failedModels) >= m.cfg.DistinctFailureThreshold {
			ks.lockoutUntil = now.Add(m.cfg.LockoutWindow)
			ks.failedModels = make(map[string]struct{})
			lockedOut = true
		}
	case llmerrors.KindQuotaExhausted:
		cd := ks.cooldownFor(model)
		until := nextLocalMidnight(now)
		if until.After(cd.until) {
			cd.until = until
		}
	default:
		// transient_server, bad_request, context_length: not the key's
		// fault, no cooldown.
		ks.mu.Unlock()
		return
	}
	ks.mu.Unlock()

	m.metrics.CooldownsTotal.WithLabelValues(string(kind)).Inc()
	if lockedOut {
		m.metrics.LockoutsTotal.Inc()
		m.logger.Warn("key locked out after failures on distinct models",
			"provider", ks.provider,
			"key", ks.fingerprint,
			"window", m.cfg.LockoutWindow,
		)
	}
	m.logger.Debug("cooldown recorded",
		"provider", ks.provider,
		"key", ks.fingerprint,
		"model", model,
		"kind", string(kind),
	)
}

// cooldownFor returns the cooldown entry for model, creating it lazily.
// Caller holds ks.mu.
func (ks *keyState) cooldownFor(model string) *cooldown {
	cd, ok := ks.cooldowns[model]
	if !ok {
		cd = &cooldown{}
		ks.cooldowns[model] = cd
	}
	return cd
}

// extendCooldown pushes the cooldown end out to now+d, never pulling an
// existing longer cooldown back in. Caller holds ks.mu.
func (ks *keyState) extendCooldown(cd *cooldown, now time.Time, d time.Duration) {
	until := now.Add(d)
	if until.After(cd.until) {
		cd.until = until
	}
}

func (m *Manager) backoff(strikes int) time.Duration {
	exp := strikes
	if exp > m.cfg.CooldownCap {
		exp = m.cfg.CooldownCap
	}
	return m.cfg.CooldownBase * (1 << uint(exp))
}

func nextLocalMidnight(now time.Time) time.Time {
	y, mo, d := now.Date()
	return time.Date(y, mo, d+1, 0, 0, 0, 0, now.Location())
}

// ResetDailyIfNeeded rolls usage over at the first call on a new local
// date. It is idempotent and invoked from every Acquire as well as the
// midnight timer.
func (m *Manager) ResetDailyIfNeeded() {
	today := m.clock.Now().Format(dateLayout)

	m.mu.Lock()
	if m.lastResetDate == today {
		m.mu.Unlock()
		return
	}
	m.lastResetDate = today
	states := m.allKeys()
	m.mu.Unlock()

	for _, ks := range states {
		ks.mu.Lock()
		ks.usageTotal.add(ks.usageToday)
		ks.usageToday = Usage{}
		ks.cooldowns = make(map[string]*cooldown)
		ks.failedModels = make(map[string]struct{})
		ks.mu.Unlock()
	}

	m.logger.Info("daily usage reset", "date", today, "keys", len(states))
	m.markDirty()
}

// allKeys returns every key state. Caller holds m.mu (any mode).
func (m *Manager) allKeys() []*keyState {
	var out []*keyState
	for _, states := range m.keys {
		out = append(out, states...)
	}
	return out
}

// Snapshot captures persisted state for all keys.
func (m *Manager) Snapshot() *store.Snapshot {
	m.mu.RLock()
	date := m.lastResetDate
	states := m.allKeys()
	m.mu.RUnlock()

	snap := &store.Snapshot{
		LastResetDate: date,
		Keys:          make(map[string]store.KeyUsage, len(states)),
	}
	for _, ks := range states {
		ks.mu.Lock()
		snap.Keys[ks.fingerprint] = store.KeyUsage{
			Provider:   ks.provider,
			UsageToday: toStoreUsage(ks.usageToday),
			UsageTotal: toStoreUsage(ks.usageTotal),
		}
		ks.mu.Unlock()
	}
	return snap
}

// PrimaryKey returns the first configured key for a provider, used for
// model-discovery calls that need any valid credential.
func (m *Manager) PrimaryKey(providerName string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	states := m.keys[providerName]
	if len(states) == 0 {
		return "", false
	}
	return states[0].key, true
}

// Providers returns the provider names with at least one configured key.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.keys))
	for name := range m.keys {
		names = append(names, name)
	}
	return names
}

// KeyUsage returns the live counters for a key fingerprint.
func (m *Manager) KeyUsage(fingerprint string) (today, total Usage, ok bool) {
	m.mu.RLock()
	ks, found := m.byFingerprint[fingerprint]
	m.mu.RUnlock()
	if !found {
		return Usage{}, Usage{}, false
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.usageToday, ks.usageTotal, true
}

// restore merges persisted usage into freshly constructed key states.
func (m *Manager) restore() {
	if m.store == nil {
		return
	}
	snap, err := m.store.Load(context.Background())
	if err != nil {
		m.logger.Warn("failed to load usage snapshot, starting fresh", "error", err)
		return
	}
	if snap.LastResetDate != "" {
		m.lastResetDate = snap.LastResetDate
	}
	restored := 0
	for fp, ku := range snap.Keys {
		ks, ok := m.byFingerprint[fp]
		if !ok {
			continue
		}
		ks.mu.Lock()
		ks.usageToday = fromStoreUsage(ku.UsageToday)
		ks.usageTotal = fromStoreUsage(ku.UsageTotal)
		ks.mu.Unlock()
		restored++
	}
	if restored > 0 {
		m.logger.Info("usage snapshot restored", "keys", restored, "last_reset", m.lastResetDate)
	}
}

func toStoreUsage(u Usage) store.Usage {
	return store.Usage{
		Calls:            u.Calls,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CostUSD:          u.CostUSD,
	}
}

func fromStoreUsage(u store.Usage) Usage {
	return Usage{
		Calls:            u.Calls,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		CostUSD:          u.CostUSD,
	}
}

func (m *Manager) markDirty() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

// writerLoop serializes snapshot writes through a single goroutine,
// coalescing bursts of updates into one write per flush interval.
func (m *Manager) writerLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			m.flush()
			return
		case <-m.dirty:
			select {
			case <-m.clock.After(m.cfg.FlushInterval):
			case <-m.done:
				m.flush()
				return
			}
			m.flush()
		}
	}
}

func (m *Manager) flush() {
	if m.store == nil {
		return
	}
	if err := m.store.Save(context.Background(), m.Snapshot()); err != nil {
		m.logger.Error("failed to persist usage snapshot", "error", err)
	}
}

// midnightLoop fires the daily reset proactively at each local midnight.
func (m *Manager) midnightLoop() {
	defer m.wg.Done()
	for {
		now := m.clock.Now()
		wait := nextLocalMidnight(now).Sub(now) + time.Second
		select {
		case <-m.done:
			return
		case <-m.clock.After(wait):
			m.ResetDailyIfNeeded()
		}
	}
}

// Close stops the background goroutines and performs a final flush.
func (m *Manager) Close() {
	m.closed.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}
