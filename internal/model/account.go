package model

import (
	"time"
)

type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderAzure     Provider = "azure"
	ProviderCustom    Provider = "custom"
)

var knownProviders = map[Provider]struct{}{
	ProviderOpenAI:    {},
	ProviderAnthropic: {},
	ProviderGoogle:    {},
	ProviderAzure:     {},
	ProviderCustom:    {},
}

func (p Provider) Valid() bool {
	_, ok := knownProviders[p]
	return ok
}

type AccountStatus string

const (
	AccountStatusActive      AccountStatus = "active"
	AccountStatusInactive    AccountStatus = "inactive"
	AccountStatusMaintenance AccountStatus = "maintenance"
	AccountStatusBanned      AccountStatus = "banned"
	AccountStatusExpired     AccountStatus = "expired"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusInactive, AccountStatusMaintenance,
		AccountStatusBanned, AccountStatusExpired:
		return true
	}
	return false
}

type AccountTier string

const (
	TierBasic      AccountTier = "basic"
	TierStandard   AccountTier = "standard"
	TierPremium    AccountTier = "premium"
	TierEnterprise AccountTier = "enterprise"
)

func (t AccountTier) Valid() bool {
	switch t {
	case TierBasic, TierStandard, TierPremium, TierEnterprise:
		return true
	}
	return false
}

// AIAccount is one provider credential set in the pool with its own
// rate/concurrency ceilings and health state. The raw credential lives
// encrypted in credential_ciphertext and is never serialized to callers.
type AIAccount struct {
	ID       string        `db:"id" json:"id"`
	Name     string        `db:"name" json:"name"`
	Provider Provider      `db:"provider" json:"provider"`
	Tier     AccountTier   `db:"tier" json:"tier"`
	Status   AccountStatus `db:"status" json:"status"`
	IsShared bool          `db:"is_shared" json:"isShared"`

	CredentialCiphertext []byte `db:"credential_ciphertext" json:"-"`

	MaxRequestsPerMinute  int `db:"max_requests_per_minute" json:"maxRequestsPerMinute"`
	MaxTokensPerMinute    int `db:"max_tokens_per_minute" json:"maxTokensPerMinute"`
	MaxConcurrentRequests int `db:"max_concurrent_requests" json:"maxConcurrentRequests"`

	HealthScore       int        `db:"health_score" json:"healthScore"`
	ErrorCount24h     int        `db:"error_count_24h" json:"errorCount24h"`
	LastErrorAt       *time.Time `db:"last_error_at" json:"lastErrorAt,omitempty"`
	LastHealthCheckAt *time.Time `db:"last_health_check_at" json:"lastHealthCheckAt,omitempty"`

	TotalRequests int64      `db:"total_requests" json:"totalRequests"`
	TotalTokens   int64      `db:"total_tokens" json:"totalTokens"`
	LastUsedAt    *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`

	MonthlyCost  float64    `db:"monthly_cost" json:"monthlyCost"`
	CostCurrency string     `db:"cost_currency" json:"costCurrency"`
	Tags         StringList `db:"tags" json:"tags"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

type CreateAccountParams struct {
	ID                    string
	Name                  string
	Provider              Provider
	Tier                  AccountTier
	IsShared              bool
	CredentialCiphertext  []byte
	MaxRequestsPerMinute  int
	MaxTokensPerMinute    int
	MaxConcurrentRequests int
	MonthlyCost           float64
	CostCurrency          string
	Tags                  StringList
}

type UpdateAccountParams struct {
	Name                  *string
	Tier                  *AccountTier
	Status                *AccountStatus
	IsShared              *bool
	MaxRequestsPerMinute  *int
	MaxTokensPerMinute    *int
	MaxConcurrentRequests *int
	MonthlyCost           *float64
	CostCurrency          *string
	Tags                  *StringList
}

// AccountFilter narrows admin list queries. Nil fields match everything.
type AccountFilter struct {
	Provider *Provider
	Tier     *AccountTier
	Status   *AccountStatus
	IsShared *bool
}
