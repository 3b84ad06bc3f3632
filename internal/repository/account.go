package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.tepseg.com/ai/account-pool/internal/model"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.AIAccount, error)
	List(ctx context.Context, filter model.AccountFilter, limit, offset int) ([]model.AIAccount, error)
	Count(ctx context.Context, filter model.AccountFilter) (int, error)
	// ListCandidates returns accounts matching provider and shared flag
	// with the given status, least-recently-used first.
	ListCandidates(ctx context.Context, provider model.Provider, isShared bool, status model.AccountStatus) ([]model.AIAccount, error)
	Create(ctx context.Context, params model.CreateAccountParams) (*model.AIAccount, error)
	Update(ctx context.Context, id string, params model.UpdateAccountParams) (*model.AIAccount, error)
	UpdateCredential(ctx context.Context, id string, ciphertext []byte) error
	// UpdateHealth sets the health score (clamped into [0,100]); a positive
	// errorDelta also bumps error_count_24h and last_error_at. The health
	// check timestamp is always refreshed.
	UpdateHealth(ctx context.Context, id string, newScore, errorDelta int) error
	// AdjustHealth shifts the score by delta atomically, clamped to [0,100].
	AdjustHealth(ctx context.Context, id string, delta, errorDelta int) error
	// RecordUsage adds to the lifetime counters. Additive in SQL, so
	// concurrent in-flight leases never lose updates.
	RecordUsage(ctx context.Context, id string, requestDelta, tokenDelta int64) error
	ResetDailyErrorCounts(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) AccountRepository
}

type accountRepo struct {
	db sqlxDB
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) WithTx(tx *sqlx.Tx) AccountRepository {
	return &accountRepo{db: tx}
}

func (r *accountRepo) FindByID(ctx context.Context, id string) (*model.AIAccount, error) {
	var account model.AIAccount
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM ai_accounts WHERE id = $1
	`, id)
	return HandleNotFound(&account, err)
}

func accountFilterClause(filter model.AccountFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(col string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if filter.Provider != nil {
		add("provider", *filter.Provider)
	}
	if filter.Tier != nil {
		add("tier", *filter.Tier)
	}
	if filter.Status != nil {
		add("status", *filter.Status)
	}
	if filter.IsShared != nil {
		add("is_shared", *filter.IsShared)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *accountRepo) List(ctx context.Context, filter model.AccountFilter, limit, offset int) ([]model.AIAccount, error) {
	where, args := accountFilterClause(filter)
	query := fmt.Sprintf(`
		SELECT * FROM ai_accounts%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var accounts []model.AIAccount
	err := r.db.SelectContext(ctx, &accounts, query, args...)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) Count(ctx context.Context, filter model.AccountFilter) (int, error) {
	where, args := accountFilterClause(filter)
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM ai_accounts`+where, args...)
	return count, err
}

func (r *accountRepo) ListCandidates(ctx context.Context, provider model.Provider, isShared bool, status model.AccountStatus) ([]model.AIAccount, error) {
	var accounts []model.AIAccount
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM ai_accounts
		WHERE provider = $1 AND is_shared = $2 AND status = $3
		ORDER BY last_used_at ASC NULLS FIRST
	`, provider, isShared, status)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *accountRepo) Create(ctx context.Context, params model.CreateAccountParams) (*model.AIAccount, error) {
	var account model.AIAccount
	err := r.db.GetContext(ctx, &account, `
		INSERT INTO ai_accounts (
			id, name, provider, tier, is_shared, credential_ciphertext,
			max_requests_per_minute, max_tokens_per_minute, max_concurrent_requests,
			monthly_cost, cost_currency, tags
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING *
	`, params.ID, params.Name, params.Provider, params.Tier, params.IsShared,
		params.CredentialCiphertext,
		params.MaxRequestsPerMinute, params.MaxTokensPerMinute, params.MaxConcurrentRequests,
		params.MonthlyCost, params.CostCurrency, params.Tags)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepo) Update(ctx context.Context, id string, params model.UpdateAccountParams) (*model.AIAccount, error) {
	var account model.AIAccount
	err := r.db.GetContext(ctx, &account, `
		UPDATE ai_accounts SET
			name = COALESCE($2, name),
			tier = COALESCE($3, tier),
			status = COALESCE($4, status),
			is_shared = COALESCE($5, is_shared),
			max_requests_per_minute = COALESCE($6, max_requests_per_minute),
			max_tokens_per_minute = COALESCE($7, max_tokens_per_minute),
			max_concurrent_requests = COALESCE($8, max_concurrent_requests),
			monthly_cost = COALESCE($9, monthly_cost),
			cost_currency = COALESCE($10, cost_currency),
			tags = COALESCE($11, tags),
			updated_at = $12
		WHERE id = $1
		RETURNING *
	`, id, params.Name, params.Tier, params.Status, params.IsShared,
		params.MaxRequestsPerMinute, params.MaxTokensPerMinute, params.MaxConcurrentRequests,
		params.MonthlyCost, params.CostCurrency, params.Tags, time.Now())
	return requireRow(&account, err, "account", id)
}

func (r *accountRepo) UpdateCredential(ctx context.Context, id string, ciphertext []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ai_accounts SET
			credential_ciphertext = $2,
			updated_at = $3
		WHERE id = $1
	`, id, ciphertext, time.Now())
	return err
}

func (r *accountRepo) UpdateHealth(ctx context.Context, id string, newScore, errorDelta int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ai_accounts SET
			health_score = LEAST(100, GREATEST(0, $2::int)),
			error_count_24h = error_count_24h + $3,
			last_error_at = CASE WHEN $3 > 0 THEN NOW() ELSE last_error_at END,
			last_health_check_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, id, newScore, errorDelta)
	return err
}

func (r *accountRepo) AdjustHealth(ctx context.Context, id string, delta, errorDelta int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ai_accounts SET
			health_score = LEAST(100, GREATEST(0, health_score + $2)),
			error_count_24h = error_count_24h + $3,
			last_error_at = CASE WHEN $3 > 0 THEN NOW() ELSE last_error_at END,
			last_health_check_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, id, delta, errorDelta)
	return err
}

func (r *accountRepo) RecordUsage(ctx context.Context, id string, requestDelta, tokenDelta int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ai_accounts SET
			total_requests = total_requests + $2,
			total_tokens = total_tokens + $3,
			last_used_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, id, requestDelta, tokenDelta)
	return err
}

func (r *accountRepo) ResetDailyErrorCounts(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ai_accounts SET error_count_24h = 0, updated_at = NOW()
		WHERE error_count_24h > 0
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *accountRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ai_accounts WHERE id = $1`, id)
	return err
}
