/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the payout engine needs. The payout ledger, the recipient registry and the
 * webhook idempotency markers all sit behind it so business logic can be tested
 * against in-memory fakes.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payout ledger methods
	CreatePayout(ctx context.Context, params CreatePayoutParams) (*domain.Payout, error)
	FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	FindPayoutByReference(ctx context.Context, creatorID, reference string) (*domain.Payout, error)
	FindPayoutByProviderTransferID(ctx context.Context, providerTransferID string) (*domain.Payout, error)
	ListPayoutsByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Payout, error)
	ListStalePayouts(ctx context.Context, statuses []domain.PayoutStatus, updatedBefore time.Time, limit int) ([]domain.Payout, error)
	TransitionPayout(ctx context.Context, params TransitionParams) (*domain.Payout, error)
	AttachProviderTransfer(ctx context.Context, payoutID uuid.UUID, providerTransferID string, feeMinor *int64) (*domain.Payout, error)
	CreateRetryPayout(ctx context.Context, originalID uuid.UUID) (*domain.Payout, error)
	SoftDeletePayout(ctx context.Context, payoutID uuid.UUID) error

	// Webhook idempotency methods
	ApplyWebhookEvent(ctx context.Context, params ApplyWebhookEventParams) (*domain.Payout, error)

	// Recipient methods
	FindRecipient(ctx context.Context, creatorID, normalizedDetailHash string, rail domain.Rail) (*domain.Recipient, error)
	CreateRecipient(ctx context.Context, recipient domain.Recipient) (*domain.Recipient, bool, error)
}

// CreatePayoutParams carries the immutable fields of a new payout.
type CreatePayoutParams struct {
	CreatorID   string
	AmountMinor int64
	Currency    string
	Country     string
	Reason      string
	Reference   string
	BankDetails domain.BankDetails
	Entry       domain.StatusEntry
}

// TransitionParams describes one conditional status change. The update only applies while
// the payout's current status is one of From, and it appends Entry to the history in the
// same statement. Optional fields are written only when non-nil.
type TransitionParams struct {
	PayoutID           uuid.UUID
	From               []domain.PayoutStatus
	Entry              domain.StatusEntry
	Rail               *domain.Rail
	RecipientID        *uuid.UUID
	FeeMinor           *int64
	LastError          *string
	LastErrorRetryable *bool
}

// WebhookEventMarker is the idempotency record for one provider event.
type WebhookEventMarker struct {
	ProviderEventID string
	PayoutID        uuid.UUID
	Rail            domain.Rail
	EventType       string
	ProviderState   string
}

// ApplyWebhookEventParams records the marker and, when Transition is set, applies the
// status change atomically with it.
type ApplyWebhookEventParams struct {
	Marker     WebhookEventMarker
	Transition *TransitionParams
}
