package domain

import (
	"time"

	"github.com/google/uuid"
)

// PayoutStatusEvent is published whenever a payout reaches processing or a terminal state.
type PayoutStatusEvent struct {
	EventID            string       `json:"event_id"`
	PayoutID           uuid.UUID    `json:"payout_id"`
	CreatorID          string       `json:"creator_id"`
	Status             PayoutStatus `json:"status"`
	Source             StatusSource `json:"source"`
	Rail               string       `json:"rail,omitempty"`
	ProviderTransferID string       `json:"provider_transfer_id,omitempty"`
	AmountMinor        int64        `json:"amount_minor"`
	Currency           string       `json:"currency"`
	Reason             string       `json:"reason,omitempty"`
	Retryable          bool         `json:"retryable,omitempty"`
	OccurredAt         time.Time    `json:"occurred_at"`
}

// BatchRequestedEvent asks the service to disburse a list of payouts.
type BatchRequestedEvent struct {
	BatchID       string          `json:"batch_id"`
	Items         []PayoutRequest `json:"items"`
	MaxConcurrent int             `json:"max_concurrent,omitempty"`
}

// BatchCompletedEvent reports the per-item outcome of a batch run.
type BatchCompletedEvent struct {
	BatchID     string         `json:"batch_id"`
	Results     []PayoutResult `json:"results"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	CompletedAt time.Time      `json:"completed_at"`
}
