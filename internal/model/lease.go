package model

import (
	"time"
)

// AllocationSource records how an account was picked for a request.
type AllocationSource string

const (
	// SourceDedicated means the user's own bound account was used.
	SourceDedicated AllocationSource = "dedicated"
	// SourceShared means the account came from shared-pool scoring.
	SourceShared AllocationSource = "shared"
	// SourceDegradedDedicated means the user has a binding but its account
	// was unusable, so a shared-pool account was granted instead.
	SourceDegradedDedicated AllocationSource = "degraded-dedicated"
)

// Lease is the ephemeral admission ticket for one in-flight request
// against one account. It lives only in memory.
type Lease struct {
	LeaseID        string           `json:"leaseId"`
	AccountID      string           `json:"accountId"`
	UserID         string           `json:"userId"`
	BindingID      *string          `json:"bindingId,omitempty"`
	Provider       Provider         `json:"provider"`
	Source         AllocationSource `json:"source"`
	ReservedTokens int              `json:"reservedTokens"`
	AcquiredAt     time.Time        `json:"acquiredAt"`
}
