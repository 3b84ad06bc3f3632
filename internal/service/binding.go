package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
	"gitlab.tepseg.com/ai/account-pool/internal/model"
	"gitlab.tepseg.com/ai/account-pool/internal/repository"
)

// BindingService manages user-to-account bindings and their lifecycle.
type BindingService struct {
	bindings repository.BindingRepository
	accounts repository.AccountRepository
}

func NewBindingService(bindings repository.BindingRepository, accounts repository.AccountRepository) *BindingService {
	return &BindingService{bindings: bindings, accounts: accounts}
}

type CreateBindingInput struct {
	UserID             string
	AccountID          string
	PlanID             string
	BindingType        model.BindingType
	PriorityLevel      int
	MaxRequestsPerHour *int
	MaxTokensPerHour   *int
	StartsAt           time.Time
	ExpiresAt          *time.Time
}

// Create binds a user to an account. It refuses with a conflict when a
// non-shared account is already actively bound to someone else, or when
// the user already holds an active binding for the account's provider.
func (s *BindingService) Create(ctx context.Context, input CreateBindingInput) (*model.UserAccountBinding, error) {
	if input.UserID == "" || input.AccountID == "" {
		return nil, apperror.InvalidArgument("userID and accountID are required")
	}
	if input.BindingType == "" {
		input.BindingType = model.BindingTypeDedicated
	}
	if !input.BindingType.Valid() {
		return nil, apperror.InvalidArgument("unknown binding type %q", input.BindingType)
	}
	if input.PriorityLevel == 0 {
		input.PriorityLevel = 50
	}
	if input.PriorityLevel < 1 || input.PriorityLevel > 100 {
		return nil, apperror.InvalidArgument("priorityLevel must be within [1,100], got %d", input.PriorityLevel)
	}
	if input.StartsAt.IsZero() {
		input.StartsAt = time.Now()
	}
	if input.ExpiresAt != nil && !input.ExpiresAt.After(input.StartsAt) {
		return nil, apperror.InvalidArgument("expiresAt must be after startsAt")
	}

	account, err := s.accounts.FindByID(ctx, input.AccountID)
	if err != nil {
		return nil, apperror.Internal(err, "load account %s", input.AccountID)
	}
	if account == nil {
		return nil, apperror.NotFound("account %s not found", input.AccountID)
	}

	if !account.IsShared {
		existing, err := s.bindings.FindActiveByAccountID(ctx, input.AccountID)
		if err != nil {
			return nil, apperror.Internal(err, "check account bindings")
		}
		if existing != nil && existing.UserID != input.UserID {
			return nil, apperror.Conflict(
				"account %s is dedicated and already bound", input.AccountID)
		}
	}

	existing, err := s.bindings.FindActiveBinding(ctx, input.UserID, account.Provider)
	if err != nil {
		return nil, apperror.Internal(err, "check user bindings")
	}
	if existing != nil {
		return nil, apperror.Conflict(
			"user %s already has an active binding for provider %s", input.UserID, account.Provider)
	}

	binding, err := s.bindings.Create(ctx, model.CreateBindingParams{
		ID:                 newID(),
		UserID:             input.UserID,
		AccountID:          input.AccountID,
		PlanID:             input.PlanID,
		BindingType:        input.BindingType,
		PriorityLevel:      input.PriorityLevel,
		MaxRequestsPerHour: input.MaxRequestsPerHour,
		MaxTokensPerHour:   input.MaxTokensPerHour,
		StartsAt:           input.StartsAt,
		ExpiresAt:          input.ExpiresAt,
	})
	if err != nil {
		return nil, apperror.Internal(err, "create binding")
	}

	log.Info().
		Str("bindingId", binding.ID).
		Str("userId", binding.UserID).
		Str("accountId", binding.AccountID).
		Str("bindingType", string(binding.BindingType)).
		Msg("binding created")

	return binding, nil
}

func (s *BindingService) Get(ctx context.Context, id string) (*model.UserAccountBinding, error) {
	binding, err := s.bindings.FindByID(ctx, id)
	if err != nil {
		return nil, apperror.Internal(err, "load binding %s", id)
	}
	if binding == nil {
		return nil, apperror.NotFound("binding %s not found", id)
	}
	return binding, nil
}

func (s *BindingService) List(ctx context.Context, filter model.BindingFilter, limit, offset int) ([]model.UserAccountBinding, int, error) {
	bindings, err := s.bindings.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, apperror.Internal(err, "list bindings")
	}
	total, err := s.bindings.Count(ctx, filter)
	if err != nil {
		return nil, 0, apperror.Internal(err, "count bindings")
	}
	return bindings, total, nil
}

func (s *BindingService) Update(ctx context.Context, id string, params model.UpdateBindingParams) (*model.UserAccountBinding, error) {
	if params.BindingType != nil && !params.BindingType.Valid() {
		return nil, apperror.InvalidArgument("unknown binding type %q", *params.BindingType)
	}
	if params.PriorityLevel != nil && (*params.PriorityLevel < 1 || *params.PriorityLevel > 100) {
		return nil, apperror.InvalidArgument("priorityLevel must be within [1,100]")
	}
	return s.bindings.Update(ctx, id, params)
}

// Unbind sets the binding inactive without deleting its usage history.
func (s *BindingService) Unbind(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.bindings.UpdateStatus(ctx, id, model.BindingStatusInactive); err != nil {
		return apperror.Internal(err, "unbind %s", id)
	}
	log.Info().Str("bindingId", id).Msg("binding unbound")
	return nil
}

func (s *BindingService) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if err := s.bindings.Delete(ctx, id); err != nil {
		return apperror.Internal(err, "delete binding %s", id)
	}
	log.Info().Str("bindingId", id).Msg("binding deleted")
	return nil
}

// SweepExpired batch-transitions past-due active bindings to expired.
func (s *BindingService) SweepExpired(ctx context.Context) (int64, error) {
	count, err := s.bindings.SweepExpired(ctx)
	if err != nil {
		return 0, apperror.Internal(err, "sweep expired bindings")
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("expired bindings swept")
	}
	return count, nil
}
