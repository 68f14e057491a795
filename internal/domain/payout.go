/**
 * @description
 * Core domain models for the payout-service. These structs represent payouts,
 * recipients, and the audit trail the ledger keeps for every status change.
 *
 * @notes
 * - Amounts are stored as `int64` in the currency's minor unit. The scale comes from
 *   ISO 4217 (see money.go), so JPY has no fractional digits and KWD has three.
 * - StatusHistory is append-only. The Status column always mirrors its last entry.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Rail identifies one of the two payment backends used to move funds to a creator.
type Rail string

const (
	// RailA is the hosted connected-account rail.
	RailA Rail = "connected_account"
	// RailB is the direct bank-transfer rail.
	RailB Rail = "bank_transfer"
)

func (r Rail) Valid() bool {
	return r == RailA || r == RailB
}

// PayoutStatus is the lifecycle state of a payout.
type PayoutStatus string

const (
	StatusPending            PayoutStatus = "pending"
	StatusRecipientResolving PayoutStatus = "recipient_resolving"
	StatusTransferCreating   PayoutStatus = "transfer_creating"
	StatusProcessing         PayoutStatus = "processing"
	StatusCompleted          PayoutStatus = "completed"
	StatusFailed             PayoutStatus = "failed"
	StatusCancelled          PayoutStatus = "cancelled"
)

// Terminal reports whether the status can never be left.
func (s PayoutStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// InFlight lists the states a payout occupies while the engine is still driving it.
var InFlight = []PayoutStatus{StatusPending, StatusRecipientResolving, StatusTransferCreating}

// StatusSource records who caused a status change.
type StatusSource string

const (
	SourceEngine         StatusSource = "engine"
	SourceProvider       StatusSource = "provider"
	SourceWebhook        StatusSource = "webhook"
	SourceReconciliation StatusSource = "reconciliation"
)

// StatusEntry is one element of a payout's status history.
type StatusEntry struct {
	Status          PayoutStatus `json:"status"`
	Timestamp       time.Time    `json:"timestamp"`
	Source          StatusSource `json:"source"`
	Reason          string       `json:"reason,omitempty"`
	ProviderEventID string       `json:"provider_event_id,omitempty"`
}

// BankDetails is the destination a creator wants to be paid into.
type BankDetails struct {
	AccountNumber     string `json:"account_number"`
	BankCode          string `json:"bank_code"`
	AccountHolderName string `json:"account_holder_name"`
	Country           string `json:"country"`
}

// MaskedAccountNumber returns the account number with everything but the last four characters hidden.
func (b BankDetails) MaskedAccountNumber() string {
	n := len(b.AccountNumber)
	if n <= 4 {
		return b.AccountNumber
	}
	masked := make([]byte, n)
	for i := 0; i < n-4; i++ {
		masked[i] = '*'
	}
	copy(masked[n-4:], b.AccountNumber[n-4:])
	return string(masked)
}

// Payout maps to the `payouts` table.
type Payout struct {
	ID                 uuid.UUID     `json:"id"`
	CreatorID          string        `json:"creator_id"`
	AmountMinor        int64         `json:"amount_minor"`
	Currency           string        `json:"currency"`
	Country            string        `json:"country"`
	Rail               *Rail         `json:"rail,omitempty"`
	RecipientID        *uuid.UUID    `json:"recipient_id,omitempty"`
	ProviderTransferID *string       `json:"provider_transfer_id,omitempty"`
	Status             PayoutStatus  `json:"status"`
	FeeMinor           *int64        `json:"fee_minor,omitempty"`
	StatusHistory      []StatusEntry `json:"status_history"`
	LastError          *string       `json:"last_error,omitempty"`
	LastErrorRetryable bool          `json:"last_error_retryable"`
	Reason             string        `json:"reason,omitempty"`
	Reference          *string       `json:"reference,omitempty"`
	BankDetails        BankDetails   `json:"-"`
	RetryOf            *uuid.UUID    `json:"retry_of,omitempty"`
	RootPayoutID       uuid.UUID     `json:"root_payout_id"`
	RetriedBy          *uuid.UUID    `json:"retried_by,omitempty"`
	DeletedAt          *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Recipient maps to the `recipients` table. One row exists per
// (creator, normalized detail hash, rail).
type Recipient struct {
	ID                   uuid.UUID `json:"id"`
	Rail                 Rail      `json:"rail"`
	CreatorID            string    `json:"creator_id"`
	NormalizedDetailHash string    `json:"normalized_detail_hash"`
	ProviderRecipientID  string    `json:"provider_recipient_id"`
	AccountHolderName    string    `json:"account_holder_name"`
	AccountLast4         string    `json:"account_last4"`
	BankCode             string    `json:"bank_code"`
	Country              string    `json:"country"`
	Currency             string    `json:"currency"`
	CreatedAt            time.Time `json:"created_at"`
}

// PayoutRequest is the caller-supplied instruction to pay a creator.
type PayoutRequest struct {
	CreatorID   string      `json:"creator_id"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	BankDetails BankDetails `json:"bank_details"`
	Reason      string      `json:"reason,omitempty"`
	Reference   string      `json:"reference,omitempty"`
}

// PayoutResult is the per-item outcome of a batch run.
type PayoutResult struct {
	Index     int          `json:"index"`
	PayoutID  *uuid.UUID   `json:"payout_id,omitempty"`
	Status    PayoutStatus `json:"status,omitempty"`
	Success   bool         `json:"success"`
	Retryable *bool        `json:"retryable,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// TransferHandle is what the executor learns about a provider transfer.
type TransferHandle struct {
	ProviderTransferID string
	FeeMinor           *int64
	InitialStatus      PayoutStatus
}
