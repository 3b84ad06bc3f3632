package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
	"gitlab.tepseg.com/ai/account-pool/internal/model"
	"gitlab.tepseg.com/ai/account-pool/internal/repository"
)

// BindingLimiter enforces per-binding hourly ceilings. Implemented by
// HourlyLimiter; nil disables the checks.
type BindingLimiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time)
	CheckBudget(ctx context.Context, key string, amount, limit int, window time.Duration) bool
}

// LedgerPublisher receives the fire-and-forget usage event after release.
type LedgerPublisher interface {
	Publish(ctx context.Context, event UsageEvent)
}

// AllocationResult is what the caller gets back from Allocate. The account
// is redacted: its credential ciphertext never serializes.
type AllocationResult struct {
	Lease   *model.Lease              `json:"lease"`
	Account *model.AIAccount          `json:"account"`
	Binding *model.UserAccountBinding `json:"binding,omitempty"`
	Source  model.AllocationSource    `json:"source"`
}

type ReleaseParams struct {
	ActualInputTokens  int64
	ActualOutputTokens int64
	Cost               float64
	Model              string
	Success            bool
	ErrorKind          string
}

// Allocator resolves (user, provider) requests to exactly one leased
// account: dedicated binding first, then health/load-scored shared pool.
type Allocator struct {
	accounts repository.AccountRepository
	bindings repository.BindingRepository
	leases   *LeaseManager
	health   *HealthTracker
	hourly   BindingLimiter
	ledger   LedgerPublisher

	healthFloor int
}

func NewAllocator(
	accounts repository.AccountRepository,
	bindings repository.BindingRepository,
	leases *LeaseManager,
	health *HealthTracker,
	hourly BindingLimiter,
	ledger LedgerPublisher,
	healthFloor int,
) *Allocator {
	return &Allocator{
		accounts:    accounts,
		bindings:    bindings,
		leases:      leases,
		health:      health,
		hourly:      hourly,
		ledger:      ledger,
		healthFloor: healthFloor,
	}
}

// Allocate picks one account for the request and admits a lease against it.
//
// A user with an active, non-expired binding always gets the bound account
// while that account is usable; if the bound account is not active or the
// binding is over its hourly ceiling, the request degrades to the shared
// pool with source "degraded-dedicated". Shared candidates below the
// health floor are never considered.
func (a *Allocator) Allocate(ctx context.Context, userID string, provider model.Provider, estimatedTokens int) (*AllocationResult, error) {
	if !provider.Valid() {
		return nil, apperror.InvalidArgument("unknown provider %q", provider)
	}
	if estimatedTokens < 0 {
		return nil, apperror.InvalidArgument("estimatedTokens must not be negative, got %d", estimatedTokens)
	}
	if userID == "" {
		return nil, apperror.InvalidArgument("userID is required")
	}

	binding, err := a.bindings.FindActiveBinding(ctx, userID, provider)
	if err != nil {
		return nil, apperror.Internal(err, "resolve binding for user %s", userID)
	}

	source := model.SourceShared
	if binding != nil {
		result, err := a.allocateDedicated(ctx, userID, binding, estimatedTokens)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// Bound account unusable: grant shared access but flag it so the
		// caller can tell the user is not on their paid account.
		source = model.SourceDegradedDedicated
	}

	return a.allocateShared(ctx, userID, provider, estimatedTokens, source)
}

// allocateDedicated tries the bound account. A nil result with nil error
// means the binding could not be honored and the caller should degrade to
// the shared pool.
func (a *Allocator) allocateDedicated(ctx context.Context, userID string, binding *model.UserAccountBinding, estimatedTokens int) (*AllocationResult, error) {
	account, err := a.accounts.FindByID(ctx, binding.AccountID)
	if err != nil {
		return nil, apperror.Internal(err, "load bound account %s", binding.AccountID)
	}
	if account == nil || account.Status != model.AccountStatusActive {
		log.Warn().
			Str("userId", userID).
			Str("bindingId", binding.ID).
			Str("accountId", binding.AccountID).
			Msg("bound account unusable, degrading to shared pool")
		return nil, nil
	}

	if !a.withinHourlyLimits(ctx, binding, estimatedTokens) {
		log.Info().
			Str("userId", userID).
			Str("bindingId", binding.ID).
			Msg("binding over hourly ceiling, degrading to shared pool")
		return nil, nil
	}

	lease, ok := a.leases.Admit(account, userID, &binding.ID, model.SourceDedicated, estimatedTokens)
	if !ok {
		return nil, apperror.ResourceExhausted(
			"dedicated account %s is at capacity", account.ID)
	}

	log.Debug().
		Str("leaseId", lease.LeaseID).
		Str("accountId", account.ID).
		Str("userId", userID).
		Msg("allocated dedicated account")

	return &AllocationResult{
		Lease:   lease,
		Account: account,
		Binding: binding,
		Source:  model.SourceDedicated,
	}, nil
}

func (a *Allocator) withinHourlyLimits(ctx context.Context, binding *model.UserAccountBinding, estimatedTokens int) bool {
	if a.hourly == nil {
		return true
	}
	if binding.MaxRequestsPerHour != nil && *binding.MaxRequestsPerHour > 0 {
		if ok, _ := a.hourly.CheckLimit(ctx, binding.ID, *binding.MaxRequestsPerHour, time.Hour); !ok {
			return false
		}
	}
	if binding.MaxTokensPerHour != nil && *binding.MaxTokensPerHour > 0 && estimatedTokens > 0 {
		if !a.hourly.CheckBudget(ctx, binding.ID, estimatedTokens, *binding.MaxTokensPerHour, time.Hour) {
			return false
		}
	}
	return true
}

func (a *Allocator) allocateShared(ctx context.Context, userID string, provider model.Provider, estimatedTokens int, source model.AllocationSource) (*AllocationResult, error) {
	pool, err := a.accounts.ListCandidates(ctx, provider, true, model.AccountStatusActive)
	if err != nil {
		return nil, apperror.Internal(err, "list candidates for provider %s", provider)
	}

	candidates := a.scoreCandidates(pool)
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		account := candidates[i].account
		lease, ok := a.leases.Admit(account, userID, nil, source, estimatedTokens)
		if !ok {
			continue
		}

		log.Debug().
			Str("leaseId", lease.LeaseID).
			Str("accountId", account.ID).
			Str("userId", userID).
			Str("source", string(source)).
			Msg("allocated shared account")

		return &AllocationResult{
			Lease:   lease,
			Account: account,
			Source:  source,
		}, nil
	}

	return nil, apperror.ResourceExhausted(
		"no admissible account for provider %s", provider)
}

type scoredAccount struct {
	account *model.AIAccount
	score   float64
}

// scoreCandidates filters out accounts below the health floor and orders
// the rest by healthScore * (1 - live lease fraction) descending, ties
// broken least-recently-used first for even wear.
func (a *Allocator) scoreCandidates(pool []model.AIAccount) []scoredAccount {
	candidates := make([]scoredAccount, 0, len(pool))
	for i := range pool {
		account := &pool[i]
		if account.HealthScore < a.healthFloor {
			continue
		}
		load := a.leases.Load(account.ID)
		candidates = append(candidates, scoredAccount{
			account: account,
			score:   float64(account.HealthScore) * (1 - load),
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return lastUsed(candidates[i].account).Before(lastUsed(candidates[j].account))
	})

	return candidates
}

func lastUsed(account *model.AIAccount) time.Time {
	if account.LastUsedAt == nil {
		return time.Time{}
	}
	return *account.LastUsedAt
}

// Release frees the lease and closes the accounting loop: account and
// binding counters, health on failure, and the ledger event. Safe to call
// repeatedly with the same lease id; only the first call has any effect.
//
// The accounting steps run independently: the lease id is consumed the
// moment the slot frees, so a transient failure in one store must not
// skip the others. Failures are reported together after every step ran.
func (a *Allocator) Release(ctx context.Context, leaseID string, params ReleaseParams) error {
	lease := a.leases.Release(leaseID)
	if lease == nil {
		log.Debug().Str("leaseId", leaseID).Msg("release of unknown or already-released lease, ignoring")
		return nil
	}

	tokens := params.ActualInputTokens + params.ActualOutputTokens

	var errs []error
	if err := a.accounts.RecordUsage(ctx, lease.AccountID, 1, tokens); err != nil {
		log.Error().Err(err).Str("accountId", lease.AccountID).Msg("failed to record account usage")
		errs = append(errs, fmt.Errorf("account usage for %s: %w", lease.AccountID, err))
	}

	if lease.BindingID != nil {
		if err := a.bindings.RecordUsage(ctx, *lease.BindingID, 1, tokens, params.Cost); err != nil {
			log.Error().Err(err).Str("bindingId", *lease.BindingID).Msg("failed to record binding usage")
			errs = append(errs, fmt.Errorf("binding usage for %s: %w", *lease.BindingID, err))
		}
	}

	if !params.Success {
		if err := a.health.OnRequestError(ctx, lease.AccountID); err != nil {
			log.Error().Err(err).Str("accountId", lease.AccountID).Msg("failed to record request error")
			errs = append(errs, fmt.Errorf("health update for %s: %w", lease.AccountID, err))
		}
	}

	if a.ledger != nil {
		a.ledger.Publish(ctx, UsageEvent{
			UserID:       lease.UserID,
			AccountID:    lease.AccountID,
			Provider:     lease.Provider,
			Model:        params.Model,
			InputTokens:  params.ActualInputTokens,
			OutputTokens: params.ActualOutputTokens,
			Cost:         params.Cost,
			Success:      params.Success,
			ErrorKind:    params.ErrorKind,
			OccurredAt:   time.Now(),
		})
	}

	if len(errs) > 0 {
		return apperror.Internal(errors.Join(errs...), "release accounting for lease %s", leaseID)
	}
	return nil
}

// ReapExpiredLeases force-releases timed-out leases and reports each as a
// soft error against its account. Called by the maintenance job.
func (a *Allocator) ReapExpiredLeases(ctx context.Context) int {
	reaped := a.leases.ReapExpired(time.Now())
	for _, lease := range reaped {
		if err := a.health.OnSoftError(ctx, lease.AccountID); err != nil {
			log.Error().Err(err).
				Str("accountId", lease.AccountID).
				Msg("failed to record soft error for reaped lease")
		}
	}
	return len(reaped)
}
