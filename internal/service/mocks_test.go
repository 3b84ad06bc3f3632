package service

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.tepseg.com/ai/account-pool/internal/model"
	"gitlab.tepseg.com/ai/account-pool/internal/repository"
)

type usageRecord struct {
	requests int64
	tokens   int64
	cost     float64
}

type healthChange struct {
	accountID  string
	score      int // absolute for probes, delta for adjusts
	errorDelta int
	adjust     bool
}

type mockAccountRepo struct {
	mu            sync.Mutex
	accounts      map[string]*model.AIAccount
	usage         map[string]usageRecord
	healthChanges []healthChange
	resetCount    int64
	usageErr      error // returned by the next RecordUsage call, then cleared
}

func newMockAccountRepo(accounts ...*model.AIAccount) *mockAccountRepo {
	m := &mockAccountRepo{
		accounts: make(map[string]*model.AIAccount),
		usage:    make(map[string]usageRecord),
	}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

func (m *mockAccountRepo) FindByID(ctx context.Context, id string) (*model.AIAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id], nil
}

func (m *mockAccountRepo) List(ctx context.Context, filter model.AccountFilter, limit, offset int) ([]model.AIAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AIAccount
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (m *mockAccountRepo) Count(ctx context.Context, filter model.AccountFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts), nil
}

func (m *mockAccountRepo) ListCandidates(ctx context.Context, provider model.Provider, isShared bool, status model.AccountStatus) ([]model.AIAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AIAccount
	for _, a := range m.accounts {
		if a.Provider == provider && a.IsShared == isShared && a.Status == status {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockAccountRepo) Create(ctx context.Context, params model.CreateAccountParams) (*model.AIAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := &model.AIAccount{
		ID:                    params.ID,
		Name:                  params.Name,
		Provider:              params.Provider,
		Tier:                  params.Tier,
		Status:                model.AccountStatusActive,
		IsShared:              params.IsShared,
		CredentialCiphertext:  params.CredentialCiphertext,
		MaxRequestsPerMinute:  params.MaxRequestsPerMinute,
		MaxTokensPerMinute:    params.MaxTokensPerMinute,
		MaxConcurrentRequests: params.MaxConcurrentRequests,
		HealthScore:           100,
		Tags:                  params.Tags,
	}
	m.accounts[account.ID] = account
	return account, nil
}

func (m *mockAccountRepo) Update(ctx context.Context, id string, params model.UpdateAccountParams) (*model.AIAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accounts[id]
	if account != nil && params.Status != nil {
		account.Status = *params.Status
	}
	return account, nil
}

func (m *mockAccountRepo) UpdateCredential(ctx context.Context, id string, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account := m.accounts[id]; account != nil {
		account.CredentialCiphertext = ciphertext
	}
	return nil
}

func (m *mockAccountRepo) UpdateHealth(ctx context.Context, id string, newScore, errorDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthChanges = append(m.healthChanges, healthChange{id, newScore, errorDelta, false})
	if account := m.accounts[id]; account != nil {
		account.HealthScore = clampScore(newScore)
		account.ErrorCount24h += errorDelta
	}
	return nil
}

func (m *mockAccountRepo) AdjustHealth(ctx context.Context, id string, delta, errorDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthChanges = append(m.healthChanges, healthChange{id, delta, errorDelta, true})
	if account := m.accounts[id]; account != nil {
		account.HealthScore = clampScore(account.HealthScore + delta)
		account.ErrorCount24h += errorDelta
	}
	return nil
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func (m *mockAccountRepo) failNextRecordUsage(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usageErr = err
}

func (m *mockAccountRepo) RecordUsage(ctx context.Context, id string, requestDelta, tokenDelta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usageErr != nil {
		err := m.usageErr
		m.usageErr = nil
		return err
	}
	u := m.usage[id]
	u.requests += requestDelta
	u.tokens += tokenDelta
	m.usage[id] = u
	return nil
}

func (m *mockAccountRepo) ResetDailyErrorCounts(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCount++
	for _, a := range m.accounts {
		a.ErrorCount24h = 0
	}
	return int64(len(m.accounts)), nil
}

func (m *mockAccountRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, id)
	return nil
}

func (m *mockAccountRepo) WithTx(tx *sqlx.Tx) repository.AccountRepository {
	return m
}

func (m *mockAccountRepo) usageFor(id string) usageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[id]
}

type mockBindingRepo struct {
	mu sync.Mutex
	// providers maps account id to provider for FindActiveBinding, standing
	// in for the SQL join.
	providers map[string]model.Provider
	bindings  map[string]*model.UserAccountBinding
	usage     map[string]usageRecord
	swept     int64
}

func newMockBindingRepo(providers map[string]model.Provider, bindings ...*model.UserAccountBinding) *mockBindingRepo {
	m := &mockBindingRepo{
		providers: providers,
		bindings:  make(map[string]*model.UserAccountBinding),
		usage:     make(map[string]usageRecord),
	}
	for _, b := range bindings {
		m.bindings[b.ID] = b
	}
	return m
}

func (m *mockBindingRepo) FindByID(ctx context.Context, id string) (*model.UserAccountBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[id], nil
}

func (m *mockBindingRepo) FindActiveBinding(ctx context.Context, userID string, provider model.Provider) (*model.UserAccountBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var best *model.UserAccountBinding
	for _, b := range m.bindings {
		if b.UserID != userID || m.providers[b.AccountID] != provider {
			continue
		}
		if !b.ActiveAt(now) {
			continue
		}
		if best == nil || b.PriorityLevel < best.PriorityLevel {
			best = b
		}
	}
	return best, nil
}

func (m *mockBindingRepo) FindActiveByAccountID(ctx context.Context, accountID string) (*model.UserAccountBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, b := range m.bindings {
		if b.AccountID == accountID && b.BindingStatus == model.BindingStatusActive && !b.Expired(now) {
			return b, nil
		}
	}
	return nil, nil
}

func (m *mockBindingRepo) CountActiveByAccountID(ctx context.Context, accountID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, b := range m.bindings {
		if b.AccountID == accountID && b.BindingStatus == model.BindingStatusActive {
			count++
		}
	}
	return count, nil
}

func (m *mockBindingRepo) List(ctx context.Context, filter model.BindingFilter, limit, offset int) ([]model.UserAccountBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.UserAccountBinding
	for _, b := range m.bindings {
		out = append(out, *b)
	}
	return out, nil
}

func (m *mockBindingRepo) Count(ctx context.Context, filter model.BindingFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bindings), nil
}

func (m *mockBindingRepo) Create(ctx context.Context, params model.CreateBindingParams) (*model.UserAccountBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	binding := &model.UserAccountBinding{
		ID:                 params.ID,
		UserID:             params.UserID,
		AccountID:          params.AccountID,
		PlanID:             params.PlanID,
		BindingType:        params.BindingType,
		PriorityLevel:      params.PriorityLevel,
		BindingStatus:      model.BindingStatusActive,
		MaxRequestsPerHour: params.MaxRequestsPerHour,
		MaxTokensPerHour:   params.MaxTokensPerHour,
		StartsAt:           params.StartsAt,
		ExpiresAt:          params.ExpiresAt,
	}
	m.bindings[binding.ID] = binding
	return binding, nil
}

func (m *mockBindingRepo) Update(ctx context.Context, id string, params model.UpdateBindingParams) (*model.UserAccountBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings[id], nil
}

func (m *mockBindingRepo) UpdateStatus(ctx context.Context, id string, status model.BindingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.bindings[id]; b != nil {
		b.BindingStatus = status
	}
	return nil
}

func (m *mockBindingRepo) RecordUsage(ctx context.Context, id string, requestDelta, tokenDelta int64, costDelta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage[id]
	u.requests += requestDelta
	u.tokens += tokenDelta
	u.cost += costDelta
	m.usage[id] = u
	return nil
}

func (m *mockBindingRepo) SweepExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var count int64
	for _, b := range m.bindings {
		if b.BindingStatus == model.BindingStatusActive && b.Expired(now) {
			b.BindingStatus = model.BindingStatusExpired
			count++
		}
	}
	m.swept += count
	return count, nil
}

func (m *mockBindingRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bindings, id)
	return nil
}

func (m *mockBindingRepo) WithTx(tx *sqlx.Tx) repository.BindingRepository {
	return m
}

func (m *mockBindingRepo) usageFor(id string) usageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[id]
}

type mockLedger struct {
	mu     sync.Mutex
	events []UsageEvent
}

func (m *mockLedger) Publish(ctx context.Context, event UsageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockLedger) all() []UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageEvent(nil), m.events...)
}

// mockBindingLimiter answers hourly checks with a fixed verdict.
type mockBindingLimiter struct {
	allow bool
}

func (m *mockBindingLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	return m.allow, time.Now()
}

func (m *mockBindingLimiter) CheckBudget(ctx context.Context, key string, amount, limit int, window time.Duration) bool {
	return m.allow
}
