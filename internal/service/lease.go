package service

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/model"
)

// tokenBucket refills lazily at rate tokens/sec up to capacity.
// Not goroutine-safe on its own; the owning accountState's mutex guards it.
type tokenBucket struct {
	capacity   float64
	tokens     float64
	rate       float64
	lastRefill time.Time
}

func newTokenBucket(capacity, rate float64, now time.Time) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, rate: rate, lastRefill: now}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *tokenBucket) has(n float64) bool {
	return b.tokens >= n
}

func (b *tokenBucket) take(n float64) {
	b.tokens -= n
}

// resize adjusts capacity and rate when an account's limits change,
// preserving the current fill level where possible.
func (b *tokenBucket) resize(capacity, rate float64) {
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.capacity = capacity
	b.rate = rate
}

// accountState holds all contended per-account admission state. Every
// admission decision happens under this mutex so two concurrent callers can
// never both slip past the concurrency ceiling.
type accountState struct {
	mu            sync.Mutex
	maxConcurrent int
	active        map[string]*model.Lease
	requests      *tokenBucket
	tokens        *tokenBucket
}

// LeaseManager tracks in-flight leases and per-account token buckets.
// State is sharded per account; there is no global lock on the hot path
// beyond the registry read lock.
type LeaseManager struct {
	mu     sync.RWMutex
	states map[string]*accountState
	// index maps lease id to account id so Release needs only the id.
	index map[string]string

	timeout time.Duration
}

func NewLeaseManager(timeout time.Duration) *LeaseManager {
	return &LeaseManager{
		states:  make(map[string]*accountState),
		index:   make(map[string]string),
		timeout: timeout,
	}
}

func perMinuteBucket(limit int, now time.Time) *tokenBucket {
	return newTokenBucket(float64(limit), float64(limit)/60.0, now)
}

// state returns the admission state for the account, creating it on first
// use and keeping bucket parameters in sync with the account's limits.
func (m *LeaseManager) state(account *model.AIAccount, now time.Time) *accountState {
	m.mu.RLock()
	st, ok := m.states[account.ID]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		st, ok = m.states[account.ID]
		if !ok {
			st = &accountState{
				maxConcurrent: account.MaxConcurrentRequests,
				active:        make(map[string]*model.Lease),
				requests:      perMinuteBucket(account.MaxRequestsPerMinute, now),
				tokens:        perMinuteBucket(account.MaxTokensPerMinute, now),
			}
			m.states[account.ID] = st
		}
		m.mu.Unlock()
	}

	st.mu.Lock()
	st.maxConcurrent = account.MaxConcurrentRequests
	st.requests.resize(float64(account.MaxRequestsPerMinute), float64(account.MaxRequestsPerMinute)/60.0)
	st.tokens.resize(float64(account.MaxTokensPerMinute), float64(account.MaxTokensPerMinute)/60.0)
	st.mu.Unlock()

	return st
}

// Admit tries to reserve one concurrency slot, one request-bucket token and
// estimatedTokens token-bucket capacity for the account. The three checks
// and the reservation are a single atomic unit: on any failure nothing is
// consumed and ok is false. Limits of zero or below are treated as
// unlimited for that dimension.
func (m *LeaseManager) Admit(account *model.AIAccount, userID string, bindingID *string, source model.AllocationSource, estimatedTokens int) (*model.Lease, bool) {
	now := time.Now()
	st := m.state(account, now)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.maxConcurrent > 0 && len(st.active) >= st.maxConcurrent {
		return nil, false
	}

	st.requests.refill(now)
	st.tokens.refill(now)

	checkRequests := st.requests.capacity > 0
	checkTokens := st.tokens.capacity > 0 && estimatedTokens > 0

	if checkRequests && !st.requests.has(1) {
		return nil, false
	}
	if checkTokens && !st.tokens.has(float64(estimatedTokens)) {
		return nil, false
	}

	if checkRequests {
		st.requests.take(1)
	}
	if checkTokens {
		st.tokens.take(float64(estimatedTokens))
	}

	lease := &model.Lease{
		LeaseID:        ulid.Make().String(),
		AccountID:      account.ID,
		UserID:         userID,
		BindingID:      bindingID,
		Provider:       account.Provider,
		Source:         source,
		ReservedTokens: estimatedTokens,
		AcquiredAt:     now,
	}
	st.active[lease.LeaseID] = lease

	m.mu.Lock()
	m.index[lease.LeaseID] = account.ID
	m.mu.Unlock()

	return lease, true
}

// Release frees the lease's concurrency slot. Safe to call more than once
// per lease: a second release of the same id is a no-op and returns nil.
// Buckets are never retro-charged for actual usage; they govern admission
// rate only.
func (m *LeaseManager) Release(leaseID string) *model.Lease {
	m.mu.Lock()
	accountID, ok := m.index[leaseID]
	if ok {
		delete(m.index, leaseID)
	}
	st := m.states[accountID]
	m.mu.Unlock()

	if !ok || st == nil {
		return nil
	}

	st.mu.Lock()
	lease := st.active[leaseID]
	delete(st.active, leaseID)
	st.mu.Unlock()

	return lease
}

// ActiveLeases returns the current in-flight count for the account.
func (m *LeaseManager) ActiveLeases(accountID string) int {
	m.mu.RLock()
	st := m.states[accountID]
	m.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.active)
}

// Forget drops the admission state for a removed account so the registry
// does not grow with account churn. Leases still in flight for the account
// are discarded; releasing them afterwards is a no-op.
func (m *LeaseManager) Forget(accountID string) {
	m.mu.Lock()
	st := m.states[accountID]
	delete(m.states, accountID)
	m.mu.Unlock()

	if st == nil {
		return
	}

	st.mu.Lock()
	orphaned := make([]string, 0, len(st.active))
	for id := range st.active {
		orphaned = append(orphaned, id)
	}
	st.active = make(map[string]*model.Lease)
	st.mu.Unlock()

	m.mu.Lock()
	for _, id := range orphaned {
		delete(m.index, id)
	}
	m.mu.Unlock()
}

// TotalActive returns the number of in-flight leases across all accounts.
func (m *LeaseManager) TotalActive() int {
	m.mu.RLock()
	states := make([]*accountState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.RUnlock()

	total := 0
	for _, st := range states {
		st.mu.Lock()
		total += len(st.active)
		st.mu.Unlock()
	}
	return total
}

// Load returns the fraction of the account's concurrency capacity that is
// currently leased, in [0,1]. Accounts with no ceiling report zero load.
func (m *LeaseManager) Load(accountID string) float64 {
	m.mu.RLock()
	st := m.states[accountID]
	m.mu.RUnlock()
	if st == nil {
		return 0
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.maxConcurrent <= 0 {
		return 0
	}
	load := float64(len(st.active)) / float64(st.maxConcurrent)
	if load > 1 {
		load = 1
	}
	return load
}

// ReapExpired force-releases leases held longer than the configured
// timeout and returns them so the caller can count each as a soft error.
// Protects the pool from callers that crashed without releasing.
func (m *LeaseManager) ReapExpired(now time.Time) []*model.Lease {
	if m.timeout <= 0 {
		return nil
	}
	cutoff := now.Add(-m.timeout)

	m.mu.RLock()
	states := make([]*accountState, 0, len(m.states))
	for _, st := range m.states {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var reaped []*model.Lease
	for _, st := range states {
		st.mu.Lock()
		for id, lease := range st.active {
			if lease.AcquiredAt.Before(cutoff) {
				delete(st.active, id)
				reaped = append(reaped, lease)
			}
		}
		st.mu.Unlock()
	}

	if len(reaped) > 0 {
		m.mu.Lock()
		for _, lease := range reaped {
			delete(m.index, lease.LeaseID)
		}
		m.mu.Unlock()

		for _, lease := range reaped {
			log.Warn().
				Str("leaseId", lease.LeaseID).
				Str("accountId", lease.AccountID).
				Str("userId", lease.UserID).
				Time("acquiredAt", lease.AcquiredAt).
				Msg("lease held past timeout, force-released")
		}
	}

	return reaped
}
