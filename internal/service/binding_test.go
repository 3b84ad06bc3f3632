package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
	"gitlab.tepseg.com/ai/account-pool/internal/model"
)

func TestBindingService_Create(t *testing.T) {
	ctx := context.Background()

	newService := func(accounts *mockAccountRepo, bindings *mockBindingRepo) *BindingService {
		return NewBindingService(bindings, accounts)
	}

	t.Run("creates a dedicated binding", func(t *testing.T) {
		account := sharedAccount("acc-1", 100)
		account.IsShared = false
		accounts := newMockAccountRepo(account)
		bindings := newMockBindingRepo(map[string]model.Provider{"acc-1": model.ProviderOpenAI})
		svc := newService(accounts, bindings)

		expires := time.Now().Add(30 * 24 * time.Hour)
		binding, err := svc.Create(ctx, CreateBindingInput{
			UserID:    "u1",
			AccountID: "acc-1",
			PlanID:    "plan-pro",
			ExpiresAt: &expires,
		})
		require.NoError(t, err)
		assert.Equal(t, model.BindingTypeDedicated, binding.BindingType)
		assert.Equal(t, model.BindingStatusActive, binding.BindingStatus)
		assert.Equal(t, 50, binding.PriorityLevel)
	})

	t.Run("rejects non-shared account bound to another user", func(t *testing.T) {
		account := sharedAccount("acc-1", 100)
		account.IsShared = false
		accounts := newMockAccountRepo(account)
		bindings := newMockBindingRepo(
			map[string]model.Provider{"acc-1": model.ProviderOpenAI},
			activeBinding("bind-1", "other-user", "acc-1"),
		)
		svc := newService(accounts, bindings)

		_, err := svc.Create(ctx, CreateBindingInput{UserID: "u1", AccountID: "acc-1"})
		require.Error(t, err)
		assert.Equal(t, apperror.CodeConflict, apperror.CodeOf(err))
	})

	t.Run("rejects second binding for same provider", func(t *testing.T) {
		acc1 := sharedAccount("acc-1", 100)
		acc2 := sharedAccount("acc-2", 100)
		accounts := newMockAccountRepo(acc1, acc2)
		bindings := newMockBindingRepo(
			map[string]model.Provider{"acc-1": model.ProviderOpenAI, "acc-2": model.ProviderOpenAI},
			activeBinding("bind-1", "u1", "acc-1"),
		)
		svc := newService(accounts, bindings)

		_, err := svc.Create(ctx, CreateBindingInput{UserID: "u1", AccountID: "acc-2"})
		require.Error(t, err)
		assert.Equal(t, apperror.CodeConflict, apperror.CodeOf(err))
	})

	t.Run("allows binding after previous one expired", func(t *testing.T) {
		account := sharedAccount("acc-1", 100)
		account.IsShared = false
		expired := activeBinding("bind-old", "u1", "acc-1")
		yesterday := time.Now().Add(-24 * time.Hour)
		expired.ExpiresAt = &yesterday

		accounts := newMockAccountRepo(account)
		bindings := newMockBindingRepo(map[string]model.Provider{"acc-1": model.ProviderOpenAI}, expired)
		svc := newService(accounts, bindings)

		_, err := svc.Create(ctx, CreateBindingInput{UserID: "u1", AccountID: "acc-1"})
		assert.NoError(t, err)
	})

	t.Run("rejects unknown account", func(t *testing.T) {
		svc := newService(newMockAccountRepo(), newMockBindingRepo(nil))

		_, err := svc.Create(ctx, CreateBindingInput{UserID: "u1", AccountID: "nope"})
		assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))
	})

	t.Run("rejects bad priority and expiry", func(t *testing.T) {
		account := sharedAccount("acc-1", 100)
		accounts := newMockAccountRepo(account)
		svc := newService(accounts, newMockBindingRepo(map[string]model.Provider{"acc-1": model.ProviderOpenAI}))

		_, err := svc.Create(ctx, CreateBindingInput{UserID: "u1", AccountID: "acc-1", PriorityLevel: 101})
		assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))

		past := time.Now().Add(-time.Hour)
		_, err = svc.Create(ctx, CreateBindingInput{UserID: "u1", AccountID: "acc-1", ExpiresAt: &past})
		assert.Equal(t, apperror.CodeInvalidArgument, apperror.CodeOf(err))
	})
}

func TestBindingService_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("unbind sets inactive", func(t *testing.T) {
		binding := activeBinding("bind-1", "u1", "acc-1")
		bindings := newMockBindingRepo(map[string]model.Provider{"acc-1": model.ProviderOpenAI}, binding)
		svc := NewBindingService(bindings, newMockAccountRepo())

		require.NoError(t, svc.Unbind(ctx, "bind-1"))
		assert.Equal(t, model.BindingStatusInactive, binding.BindingStatus)
	})

	t.Run("unbind of unknown binding is not found", func(t *testing.T) {
		svc := NewBindingService(newMockBindingRepo(nil), newMockAccountRepo())
		err := svc.Unbind(ctx, "nope")
		assert.Equal(t, apperror.CodeNotFound, apperror.CodeOf(err))
	})

	t.Run("sweep expires past-due bindings only", func(t *testing.T) {
		fresh := activeBinding("bind-fresh", "u1", "acc-1")
		stale := activeBinding("bind-stale", "u2", "acc-1")
		yesterday := time.Now().Add(-24 * time.Hour)
		stale.ExpiresAt = &yesterday

		bindings := newMockBindingRepo(map[string]model.Provider{"acc-1": model.ProviderOpenAI}, fresh, stale)
		svc := NewBindingService(bindings, newMockAccountRepo())

		count, err := svc.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Equal(t, model.BindingStatusExpired, stale.BindingStatus)
		assert.Equal(t, model.BindingStatusActive, fresh.BindingStatus)

		// Idempotent: nothing left to sweep.
		count, err = svc.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestAccountService_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("refuses while actively bound", func(t *testing.T) {
		account := sharedAccount("acc-1", 100)
		accounts := newMockAccountRepo(account)
		bindings := newMockBindingRepo(
			map[string]model.Provider{"acc-1": model.ProviderOpenAI},
			activeBinding("bind-1", "u1", "acc-1"),
		)
		svc := NewAccountService(accounts, bindings, NewHealthTracker(accounts, 5), NewLeaseManager(time.Minute), "test-key")

		err := svc.Delete(ctx, "acc-1")
		require.Error(t, err)
		assert.True(t, apperror.Is(err, apperror.CodeConflict))
	})

	t.Run("deletes once bindings are inactive", func(t *testing.T) {
		account := sharedAccount("acc-1", 100)
		binding := activeBinding("bind-1", "u1", "acc-1")
		binding.BindingStatus = model.BindingStatusInactive

		accounts := newMockAccountRepo(account)
		bindings := newMockBindingRepo(map[string]model.Provider{"acc-1": model.ProviderOpenAI}, binding)
		leases := NewLeaseManager(time.Minute)
		svc := NewAccountService(accounts, bindings, NewHealthTracker(accounts, 5), leases, "test-key")

		lease, ok := leases.Admit(account, "u1", nil, model.SourceShared, 10)
		require.True(t, ok)

		require.NoError(t, svc.Delete(ctx, "acc-1"))

		found, _ := accounts.FindByID(ctx, "acc-1")
		assert.Nil(t, found)

		// Admission state for the deleted account is evicted with it.
		assert.Equal(t, 0, leases.ActiveLeases("acc-1"))
		assert.Nil(t, leases.Release(lease.LeaseID))
	})
}

func TestHealthTracker(t *testing.T) {
	ctx := context.Background()

	t.Run("error decays score by penalty", func(t *testing.T) {
		account := sharedAccount("acc-1", 80)
		accounts := newMockAccountRepo(account)
		tracker := NewHealthTracker(accounts, 5)

		require.NoError(t, tracker.OnRequestError(ctx, "acc-1"))
		assert.Equal(t, 75, account.HealthScore)
		assert.Equal(t, 1, account.ErrorCount24h)
	})

	t.Run("score never goes below zero", func(t *testing.T) {
		account := sharedAccount("acc-1", 3)
		accounts := newMockAccountRepo(account)
		tracker := NewHealthTracker(accounts, 5)

		require.NoError(t, tracker.OnRequestError(ctx, "acc-1"))
		assert.Equal(t, 0, account.HealthScore)
	})

	t.Run("probe sets score directly", func(t *testing.T) {
		account := sharedAccount("acc-1", 40)
		accounts := newMockAccountRepo(account)
		tracker := NewHealthTracker(accounts, 5)

		require.NoError(t, tracker.OnProbe(ctx, "acc-1", 95, true))
		assert.Equal(t, 95, account.HealthScore)
		assert.Equal(t, 0, account.ErrorCount24h, "successful probe adds no error")
	})

	t.Run("failed probe counts one error", func(t *testing.T) {
		account := sharedAccount("acc-1", 90)
		accounts := newMockAccountRepo(account)
		tracker := NewHealthTracker(accounts, 5)

		require.NoError(t, tracker.OnProbe(ctx, "acc-1", 20, false))
		assert.Equal(t, 20, account.HealthScore)
		assert.Equal(t, 1, account.ErrorCount24h)
	})

	t.Run("out-of-range probe score is clamped", func(t *testing.T) {
		account := sharedAccount("acc-1", 50)
		accounts := newMockAccountRepo(account)
		tracker := NewHealthTracker(accounts, 5)

		require.NoError(t, tracker.OnProbe(ctx, "acc-1", 150, true))
		assert.Equal(t, 100, account.HealthScore)
	})
}
