package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.tepseg.com/ai/account-pool/internal/model"
)

type BindingRepository interface {
	FindByID(ctx context.Context, id string) (*model.UserAccountBinding, error)
	// FindActiveBinding returns the user's active, non-expired binding for
	// the provider, or nil. A stored "active" row whose expires_at has
	// passed is treated as absent; the sweep reconciles it later. When a
	// user somehow holds several rows, the lowest priority_level wins.
	FindActiveBinding(ctx context.Context, userID string, provider model.Provider) (*model.UserAccountBinding, error)
	FindActiveByAccountID(ctx context.Context, accountID string) (*model.UserAccountBinding, error)
	CountActiveByAccountID(ctx context.Context, accountID string) (int, error)
	List(ctx context.Context, filter model.BindingFilter, limit, offset int) ([]model.UserAccountBinding, error)
	Count(ctx context.Context, filter model.BindingFilter) (int, error)
	Create(ctx context.Context, params model.CreateBindingParams) (*model.UserAccountBinding, error)
	Update(ctx context.Context, id string, params model.UpdateBindingParams) (*model.UserAccountBinding, error)
	UpdateStatus(ctx context.Context, id string, status model.BindingStatus) error
	RecordUsage(ctx context.Context, id string, requestDelta, tokenDelta int64, costDelta float64) error
	// SweepExpired transitions active past-due bindings to expired and
	// returns how many rows changed. Idempotent.
	SweepExpired(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id string) error
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) BindingRepository
}

type bindingRepo struct {
	db sqlxDB
}

func NewBindingRepository(db *sqlx.DB) BindingRepository {
	return &bindingRepo{db: db}
}

func (r *bindingRepo) WithTx(tx *sqlx.Tx) BindingRepository {
	return &bindingRepo{db: tx}
}

func (r *bindingRepo) FindByID(ctx context.Context, id string) (*model.UserAccountBinding, error) {
	var binding model.UserAccountBinding
	err := r.db.GetContext(ctx, &binding, `
		SELECT * FROM user_account_bindings WHERE id = $1
	`, id)
	return HandleNotFound(&binding, err)
}

func (r *bindingRepo) FindActiveBinding(ctx context.Context, userID string, provider model.Provider) (*model.UserAccountBinding, error) {
	var binding model.UserAccountBinding
	err := r.db.GetContext(ctx, &binding, `
		SELECT b.* FROM user_account_bindings b
		JOIN ai_accounts a ON a.id = b.account_id
		WHERE b.user_id = $1
		  AND a.provider = $2
		  AND b.binding_status = 'active'
		  AND b.starts_at <= NOW()
		  AND (b.expires_at IS NULL OR b.expires_at > NOW())
		ORDER BY b.priority_level ASC, b.created_at ASC
		LIMIT 1
	`, userID, provider)
	return HandleNotFound(&binding, err)
}

func (r *bindingRepo) FindActiveByAccountID(ctx context.Context, accountID string) (*model.UserAccountBinding, error) {
	var binding model.UserAccountBinding
	err := r.db.GetContext(ctx, &binding, `
		SELECT * FROM user_account_bindings
		WHERE account_id = $1
		  AND binding_status = 'active'
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY created_at ASC
		LIMIT 1
	`, accountID)
	return HandleNotFound(&binding, err)
}

func (r *bindingRepo) CountActiveByAccountID(ctx context.Context, accountID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM user_account_bindings
		WHERE account_id = $1 AND binding_status = 'active'
	`, accountID)
	return count, err
}

func bindingFilterClause(filter model.BindingFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	add := func(col string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if filter.UserID != nil {
		add("user_id", *filter.UserID)
	}
	if filter.AccountID != nil {
		add("account_id", *filter.AccountID)
	}
	if filter.Status != nil {
		add("binding_status", *filter.Status)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *bindingRepo) List(ctx context.Context, filter model.BindingFilter, limit, offset int) ([]model.UserAccountBinding, error) {
	where, args := bindingFilterClause(filter)
	query := fmt.Sprintf(`
		SELECT * FROM user_account_bindings%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var bindings []model.UserAccountBinding
	err := r.db.SelectContext(ctx, &bindings, query, args...)
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

func (r *bindingRepo) Count(ctx context.Context, filter model.BindingFilter) (int, error) {
	where, args := bindingFilterClause(filter)
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM user_account_bindings`+where, args...)
	return count, err
}

func (r *bindingRepo) Create(ctx context.Context, params model.CreateBindingParams) (*model.UserAccountBinding, error) {
	var binding model.UserAccountBinding
	err := r.db.GetContext(ctx, &binding, `
		INSERT INTO user_account_bindings (
			id, user_id, account_id, plan_id, binding_type, priority_level,
			max_requests_per_hour, max_tokens_per_hour, starts_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING *
	`, params.ID, params.UserID, params.AccountID, params.PlanID,
		params.BindingType, params.PriorityLevel,
		params.MaxRequestsPerHour, params.MaxTokensPerHour,
		params.StartsAt, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &binding, nil
}

func (r *bindingRepo) Update(ctx context.Context, id string, params model.UpdateBindingParams) (*model.UserAccountBinding, error) {
	var binding model.UserAccountBinding
	err := r.db.GetContext(ctx, &binding, `
		UPDATE user_account_bindings SET
			plan_id = COALESCE($2, plan_id),
			binding_type = COALESCE($3, binding_type),
			priority_level = COALESCE($4, priority_level),
			binding_status = COALESCE($5, binding_status),
			max_requests_per_hour = COALESCE($6, max_requests_per_hour),
			max_tokens_per_hour = COALESCE($7, max_tokens_per_hour),
			expires_at = COALESCE($8, expires_at),
			updated_at = $9
		WHERE id = $1
		RETURNING *
	`, id, params.PlanID, params.BindingType, params.PriorityLevel,
		params.BindingStatus, params.MaxRequestsPerHour, params.MaxTokensPerHour,
		params.ExpiresAt, time.Now())
	return requireRow(&binding, err, "binding", id)
}

func (r *bindingRepo) UpdateStatus(ctx context.Context, id string, status model.BindingStatus) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_account_bindings SET binding_status = $2, updated_at = NOW()
		WHERE id = $1
	`, id, status)
	return err
}

func (r *bindingRepo) RecordUsage(ctx context.Context, id string, requestDelta, tokenDelta int64, costDelta float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE user_account_bindings SET
			total_requests = total_requests + $2,
			total_tokens = total_tokens + $3,
			total_cost = total_cost + $4,
			last_used_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`, id, requestDelta, tokenDelta, costDelta)
	return err
}

func (r *bindingRepo) SweepExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE user_account_bindings SET binding_status = 'expired', updated_at = NOW()
		WHERE binding_status = 'active'
		  AND expires_at IS NOT NULL
		  AND expires_at <= NOW()
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *bindingRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM user_account_bindings WHERE id = $1`, id)
	return err
}
