package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/repository"
)

// HealthTracker turns raw signals from the outbound-call layer and the
// periodic probe job into health-score updates. Scores only move down on
// errors and are set directly from probe results; there is no time-based
// recovery curve.
type HealthTracker struct {
	accounts     repository.AccountRepository
	errorPenalty int
}

func NewHealthTracker(accounts repository.AccountRepository, errorPenalty int) *HealthTracker {
	return &HealthTracker{
		accounts:     accounts,
		errorPenalty: errorPenalty,
	}
}

// OnRequestError decays the account's score by the configured penalty and
// bumps the 24h error counter. Fired once per failed outbound request.
func (t *HealthTracker) OnRequestError(ctx context.Context, accountID string) error {
	if err := t.accounts.AdjustHealth(ctx, accountID, -t.errorPenalty, 1); err != nil {
		return fmt.Errorf("record request error: %w", err)
	}
	log.Debug().
		Str("accountId", accountID).
		Int("penalty", t.errorPenalty).
		Msg("health decayed on request error")
	return nil
}

// OnSoftError applies a minimal penalty for indirect failure signals such
// as a lease timing out. Not escalated to the caller.
func (t *HealthTracker) OnSoftError(ctx context.Context, accountID string) error {
	if err := t.accounts.AdjustHealth(ctx, accountID, -1, 1); err != nil {
		return fmt.Errorf("record soft error: %w", err)
	}
	return nil
}

// OnProbe records a 0-100 probe result directly as the new score. Scores
// outside the scale are clamped. A failed probe also counts one error.
func (t *HealthTracker) OnProbe(ctx context.Context, accountID string, score int, success bool) error {
	errorDelta := 0
	if !success {
		errorDelta = 1
	}
	if err := t.accounts.UpdateHealth(ctx, accountID, score, errorDelta); err != nil {
		return fmt.Errorf("record probe result: %w", err)
	}
	log.Debug().
		Str("accountId", accountID).
		Int("score", score).
		Bool("success", success).
		Msg("health set from probe")
	return nil
}
