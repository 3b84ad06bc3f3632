package model

import (
	"time"
)

type BindingType string

const (
	BindingTypeDedicated BindingType = "dedicated"
	BindingTypePriority  BindingType = "priority"
	BindingTypeShared    BindingType = "shared"
)

func (t BindingType) Valid() bool {
	switch t {
	case BindingTypeDedicated, BindingTypePriority, BindingTypeShared:
		return true
	}
	return false
}

type BindingStatus string

const (
	BindingStatusActive    BindingStatus = "active"
	BindingStatusInactive  BindingStatus = "inactive"
	BindingStatusExpired   BindingStatus = "expired"
	BindingStatusSuspended BindingStatus = "suspended"
)

// UserAccountBinding grants a user dedicated or priority access to one
// account for a time window. Lower PriorityLevel means higher priority.
// A stored "active" row whose ExpiresAt has passed is treated as absent by
// readers; the sweep job reconciles the stored status later.
type UserAccountBinding struct {
	ID        string `db:"id" json:"id"`
	UserID    string `db:"user_id" json:"userId"`
	AccountID string `db:"account_id" json:"accountId"`
	PlanID    string `db:"plan_id" json:"planId"`

	BindingType   BindingType   `db:"binding_type" json:"bindingType"`
	PriorityLevel int           `db:"priority_level" json:"priorityLevel"`
	BindingStatus BindingStatus `db:"binding_status" json:"bindingStatus"`

	MaxRequestsPerHour *int `db:"max_requests_per_hour" json:"maxRequestsPerHour,omitempty"`
	MaxTokensPerHour   *int `db:"max_tokens_per_hour" json:"maxTokensPerHour,omitempty"`

	StartsAt   time.Time  `db:"starts_at" json:"startsAt"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `db:"last_used_at" json:"lastUsedAt,omitempty"`

	TotalRequests int64   `db:"total_requests" json:"totalRequests"`
	TotalTokens   int64   `db:"total_tokens" json:"totalTokens"`
	TotalCost     float64 `db:"total_cost" json:"totalCost"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Expired reports whether the binding's window has passed at now,
// regardless of the stored status.
func (b *UserAccountBinding) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// ActiveAt reports whether the binding should be honored at now.
func (b *UserAccountBinding) ActiveAt(now time.Time) bool {
	return b.BindingStatus == BindingStatusActive &&
		!b.StartsAt.After(now) &&
		!b.Expired(now)
}

type CreateBindingParams struct {
	ID                 string
	UserID             string
	AccountID          string
	PlanID             string
	BindingType        BindingType
	PriorityLevel      int
	MaxRequestsPerHour *int
	MaxTokensPerHour   *int
	StartsAt           time.Time
	ExpiresAt          *time.Time
}

type UpdateBindingParams struct {
	PlanID             *string
	BindingType        *BindingType
	PriorityLevel      *int
	BindingStatus      *BindingStatus
	MaxRequestsPerHour *int
	MaxTokensPerHour   *int
	ExpiresAt          *time.Time
}

type BindingFilter struct {
	UserID    *string
	AccountID *string
	Status    *BindingStatus
}
