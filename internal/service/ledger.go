package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"gitlab.tepseg.com/ai/account-pool/internal/model"
)

// UsageEvent is the fire-and-forget record handed to the billing/analytics
// ledger after every release.
type UsageEvent struct {
	UserID       string         `json:"userId"`
	AccountID    string         `json:"accountId"`
	Provider     model.Provider `json:"provider"`
	Model        string         `json:"model,omitempty"`
	InputTokens  int64          `json:"inputTokens"`
	OutputTokens int64          `json:"outputTokens"`
	Cost         float64        `json:"cost"`
	Success      bool           `json:"success"`
	ErrorKind    string         `json:"errorKind,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// UsageLedger publishes usage events to a redis stream consumed by the
// billing collaborator. Publishing is best-effort: a ledger outage must
// never fail a release.
type UsageLedger struct {
	client *redis.Client
	stream string
}

func NewUsageLedger(client *redis.Client, stream string) *UsageLedger {
	return &UsageLedger{client: client, stream: stream}
}

func (l *UsageLedger) Publish(ctx context.Context, event UsageEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("ledger: failed to encode usage event")
		return
	}

	err = l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]interface{}{"event": payload},
	}).Err()
	if err != nil {
		log.Warn().Err(err).
			Str("accountId", event.AccountID).
			Str("userId", event.UserID).
			Msg("ledger: failed to publish usage event")
	}
}
