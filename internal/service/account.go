package service

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/apperror"
	"gitlab.tepseg.com/ai/account-pool/internal/model"
	"gitlab.tepseg.com/ai/account-pool/internal/repository"
	"gitlab.tepseg.com/ai/account-pool/internal/util"
)

func newID() string {
	return strings.ToLower(ulid.Make().String())
}

// AccountService is the administrative surface over the account catalog.
type AccountService struct {
	accounts      repository.AccountRepository
	bindings      repository.BindingRepository
	health        *HealthTracker
	leases        *LeaseManager
	encryptionKey string
}

func NewAccountService(
	accounts repository.AccountRepository,
	bindings repository.BindingRepository,
	health *HealthTracker,
	leases *LeaseManager,
	encryptionKey string,
) *AccountService {
	return &AccountService{
		accounts:      accounts,
		bindings:      bindings,
		health:        health,
		leases:        leases,
		encryptionKey: encryptionKey,
	}
}

type CreateAccountInput struct {
	Name                  string
	Provider              model.Provider
	Tier                  model.AccountTier
	IsShared              bool
	Credential            string
	MaxRequestsPerMinute  int
	MaxTokensPerMinute    int
	MaxConcurrentRequests int
	MonthlyCost           float64
	CostCurrency          string
	Tags                  []string
}

func (s *AccountService) Create(ctx context.Context, input CreateAccountInput) (*model.AIAccount, error) {
	if !input.Provider.Valid() {
		return nil, apperror.InvalidArgument("unknown provider %q", input.Provider)
	}
	if input.Tier == "" {
		input.Tier = model.TierStandard
	}
	if !input.Tier.Valid() {
		return nil, apperror.InvalidArgument("unknown tier %q", input.Tier)
	}
	if input.CostCurrency == "" {
		input.CostCurrency = "USD"
	}

	var ciphertext []byte
	if input.Credential != "" {
		var err error
		ciphertext, err = util.Encrypt(s.encryptionKey, input.Credential)
		if err != nil {
			return nil, apperror.Internal(err, "encrypt credential")
		}
	}

	account, err := s.accounts.Create(ctx, model.CreateAccountParams{
		ID:                    newID(),
		Name:                  input.Name,
		Provider:              input.Provider,
		Tier:                  input.Tier,
		IsShared:              input.IsShared,
		CredentialCiphertext:  ciphertext,
		MaxRequestsPerMinute:  input.MaxRequestsPerMinute,
		MaxTokensPerMinute:    input.MaxTokensPerMinute,
		MaxConcurrentRequests: input.MaxConcurrentRequests,
		MonthlyCost:           input.MonthlyCost,
		CostCurrency:          input.CostCurrency,
		Tags:                  model.StringList(input.Tags),
	})
	if err != nil {
		return nil, apperror.Internal(err, "create account")
	}

	log.Info().
		Str("accountId", account.ID).
		Str("provider", string(account.Provider)).
		Bool("isShared", account.IsShared).
		Msg("account created")

	return account, nil
}

func (s *AccountService) Get(ctx context.Context, id string) (*model.AIAccount, error) {
	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		return nil, apperror.Internal(err, "load account %s", id)
	}
	if account == nil {
		return nil, apperror.NotFound("account %s not found", id)
	}
	return account, nil
}

func (s *AccountService) List(ctx context.Context, filter model.AccountFilter, limit, offset int) ([]model.AIAccount, int, error) {
	accounts, err := s.accounts.List(ctx, filter, limit, offset)
	if err != nil {
		return nil, 0, apperror.Internal(err, "list accounts")
	}
	total, err := s.accounts.Count(ctx, filter)
	if err != nil {
		return nil, 0, apperror.Internal(err, "count accounts")
	}
	return accounts, total, nil
}

func (s *AccountService) Update(ctx context.Context, id string, params model.UpdateAccountParams) (*model.AIAccount, error) {
	if params.Status != nil && !params.Status.Valid() {
		return nil, apperror.InvalidArgument("unknown status %q", *params.Status)
	}
	if params.Tier != nil && !params.Tier.Valid() {
		return nil, apperror.InvalidArgument("unknown tier %q", *params.Tier)
	}
	return s.accounts.Update(ctx, id, params)
}

// Delete refuses to remove an account that still has an active binding so
// no dedicated user silently loses their account.
func (s *AccountService) Delete(ctx context.Context, id string) error {
	count, err := s.bindings.CountActiveByAccountID(ctx, id)
	if err != nil {
		return apperror.Internal(err, "count bindings for account %s", id)
	}
	if count > 0 {
		return apperror.Conflict("account %s has %d active binding(s)", id, count)
	}

	if err := s.accounts.Delete(ctx, id); err != nil {
		return apperror.Internal(err, "delete account %s", id)
	}
	if s.leases != nil {
		s.leases.Forget(id)
	}
	log.Info().Str("accountId", id).Msg("account deleted")
	return nil
}

// RotateCredential stores a new encrypted credential for the account.
func (s *AccountService) RotateCredential(ctx context.Context, id, credential string) error {
	if credential == "" {
		return apperror.InvalidArgument("credential is required")
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	ciphertext, err := util.Encrypt(s.encryptionKey, credential)
	if err != nil {
		return apperror.Internal(err, "encrypt credential")
	}
	if err := s.accounts.UpdateCredential(ctx, id, ciphertext); err != nil {
		return apperror.Internal(err, "store credential for account %s", id)
	}
	log.Info().Str("accountId", id).Msg("account credential rotated")
	return nil
}

// ResetDailyErrorCounts zeroes every account's 24h error counter. Invoked
// once per day by the maintenance job.
func (s *AccountService) ResetDailyErrorCounts(ctx context.Context) (int64, error) {
	count, err := s.accounts.ResetDailyErrorCounts(ctx)
	if err != nil {
		return 0, apperror.Internal(err, "reset daily error counts")
	}
	return count, nil
}

// ProbeResult is one entry of a batch health check, supplied by the
// outbound-call collaborator.
type ProbeResult struct {
	AccountID string `json:"accountId" validate:"required"`
	Score     int    `json:"score" validate:"min=0,max=100"`
	Success   bool   `json:"success"`
}

// ApplyProbeResults feeds a batch of probe outcomes into the health
// tracker. Individual failures don't abort the batch.
func (s *AccountService) ApplyProbeResults(ctx context.Context, results []ProbeResult) int {
	applied := 0
	for _, r := range results {
		if err := s.health.OnProbe(ctx, r.AccountID, r.Score, r.Success); err != nil {
			log.Error().Err(err).Str("accountId", r.AccountID).Msg("failed to apply probe result")
			continue
		}
		applied++
	}
	return applied
}
