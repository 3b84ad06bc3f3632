package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

type PoolOverview struct {
	AccountTotal       int `db:"account_total"`
	AccountActive      int `db:"account_active"`
	AccountShared      int `db:"account_shared"`
	AccountUnhealthy   int `db:"account_unhealthy"`
	BindingActive      int `db:"binding_active"`
	BindingExpired     int `db:"binding_expired"`
	ErrorsLast24h      int `db:"errors_last_24h"`
	RequestsAllTime    int `db:"requests_all_time"`
	TokensAllTime      int `db:"tokens_all_time"`
}

type StatsRepository interface {
	GetPoolOverview(ctx context.Context, healthFloor int) (*PoolOverview, error)
}

type statsRepo struct {
	db *sqlx.DB
}

func NewStatsRepository(db *sqlx.DB) StatsRepository {
	return &statsRepo{db: db}
}

func (r *statsRepo) GetPoolOverview(ctx context.Context, healthFloor int) (*PoolOverview, error) {
	var stats PoolOverview
	err := r.db.GetContext(ctx, &stats, `
		WITH
			acc AS (SELECT COUNT(*) AS cnt FROM ai_accounts),
			acc_active AS (SELECT COUNT(*) AS cnt FROM ai_accounts WHERE status = 'active'),
			acc_shared AS (SELECT COUNT(*) AS cnt FROM ai_accounts WHERE is_shared AND status = 'active'),
			acc_unhealthy AS (SELECT COUNT(*) AS cnt FROM ai_accounts WHERE health_score < $1),
			bind_active AS (
				SELECT COUNT(*) AS cnt FROM user_account_bindings
				WHERE binding_status = 'active' AND (expires_at IS NULL OR expires_at > NOW())
			),
			bind_expired AS (
				SELECT COUNT(*) AS cnt FROM user_account_bindings
				WHERE binding_status = 'expired'
				   OR (binding_status = 'active' AND expires_at IS NOT NULL AND expires_at <= NOW())
			),
			errs AS (SELECT COALESCE(SUM(error_count_24h), 0) AS cnt FROM ai_accounts),
			reqs AS (SELECT COALESCE(SUM(total_requests), 0) AS cnt FROM ai_accounts),
			toks AS (SELECT COALESCE(SUM(total_tokens), 0) AS cnt FROM ai_accounts)
		SELECT
			acc.cnt AS account_total,
			acc_active.cnt AS account_active,
			acc_shared.cnt AS account_shared,
			acc_unhealthy.cnt AS account_unhealthy,
			bind_active.cnt AS binding_active,
			bind_expired.cnt AS binding_expired,
			errs.cnt AS errors_last_24h,
			reqs.cnt AS requests_all_time,
			toks.cnt AS tokens_all_time
		FROM acc, acc_active, acc_shared, acc_unhealthy,
			bind_active, bind_expired, errs, reqs, toks
	`, healthFloor)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}
