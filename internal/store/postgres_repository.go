/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Every status change is a single conditional UPDATE that checks the expected
 * predecessor states and appends to `status_history` in the same statement, so a
 * late or duplicated writer can never revert a more advanced payout.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payout-service/internal/domain"
)

var (
	ErrPayoutNotFound          = errors.New("payout not found")
	ErrRecipientNotFound       = errors.New("recipient not found")
	ErrStaleTransition         = errors.New("payout status changed concurrently")
	ErrTransferAlreadyAttached = errors.New("payout already has a provider transfer")
	ErrProviderTransferInUse   = errors.New("provider transfer id is attached to another payout")
	ErrDuplicateReference      = errors.New("payout reference already used by creator")
	ErrDuplicateEvent          = errors.New("webhook event already applied")
	ErrPayoutNotRetryable      = errors.New("payout is not eligible for retry")
	ErrPayoutAlreadyRetried    = errors.New("payout has already been retried")
	ErrPayoutNotTerminal       = errors.New("payout is not in a terminal state")
)

const uniqueViolation = "23505"

const payoutColumns = `
    id, creator_id, amount_minor, currency, country, rail, recipient_id,
    provider_transfer_id, status, fee_minor, status_history, last_error,
    last_error_retryable, reason, reference, bank_details, retry_of,
    root_payout_id, retried_by, deleted_at, created_at, updated_at`

const recipientColumns = `
    id, rail, creator_id, normalized_detail_hash, provider_recipient_id,
    account_holder_name, account_last4, bank_code, country, currency, created_at`

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// CreatePayout inserts a new payout in its initial status. The payout is its own retry root.
func (r *PostgresRepository) CreatePayout(ctx context.Context, params CreatePayoutParams) (*domain.Payout, error) {
	id := uuid.New()
	history, err := encodeEntries(params.Entry)
	if err != nil {
		return nil, err
	}
	bankDetails, err := json.Marshal(params.BankDetails)
	if err != nil {
		return nil, fmt.Errorf("encode bank details: %w", err)
	}

	query := `
        INSERT INTO payouts (
            id, creator_id, amount_minor, currency, country, status, status_history,
            reason, reference, bank_details, root_payout_id
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, NULLIF($9, ''), $10::jsonb, $1)
        RETURNING` + payoutColumns

	payout, err := scanPayout(r.db.QueryRow(ctx, query,
		id,
		params.CreatorID,
		params.AmountMinor,
		params.Currency,
		params.Country,
		string(params.Entry.Status),
		history,
		params.Reason,
		params.Reference,
		string(bankDetails),
	))
	if err != nil {
		if isUniqueViolation(err, "payouts_creator_reference_idx") {
			return nil, ErrDuplicateReference
		}
		return nil, fmt.Errorf("insert payout: %w", err)
	}
	return payout, nil
}

// FindPayoutByID returns the payout including soft-deleted rows.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	return r.findPayout(ctx, r.db, `SELECT`+payoutColumns+` FROM payouts WHERE id = $1`, payoutID)
}

// FindPayoutByReference looks up the payout a creator previously submitted with the same reference.
func (r *PostgresRepository) FindPayoutByReference(ctx context.Context, creatorID, reference string) (*domain.Payout, error) {
	return r.findPayout(ctx, r.db, `SELECT`+payoutColumns+` FROM payouts WHERE creator_id = $1 AND reference = $2`, creatorID, reference)
}

// FindPayoutByProviderTransferID resolves a provider callback to its payout.
func (r *PostgresRepository) FindPayoutByProviderTransferID(ctx context.Context, providerTransferID string) (*domain.Payout, error) {
	return r.findPayout(ctx, r.db, `SELECT`+payoutColumns+` FROM payouts WHERE provider_transfer_id = $1`, providerTransferID)
}

func (r *PostgresRepository) findPayout(ctx context.Context, q querier, query string, args ...any) (*domain.Payout, error) {
	payout, err := scanPayout(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return payout, nil
}

// ListPayoutsByCreator returns the creator's active (not soft-deleted) payouts, newest first.
func (r *PostgresRepository) ListPayoutsByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Payout, error) {
	query := `SELECT` + payoutColumns + `
        FROM payouts
        WHERE creator_id = $1 AND deleted_at IS NULL
        ORDER BY created_at DESC
        LIMIT $2`
	return r.listPayouts(ctx, query, creatorID, limit)
}

// ListStalePayouts returns payouts sitting in one of statuses since before updatedBefore.
func (r *PostgresRepository) ListStalePayouts(ctx context.Context, statuses []domain.PayoutStatus, updatedBefore time.Time, limit int) ([]domain.Payout, error) {
	query := `SELECT` + payoutColumns + `
        FROM payouts
        WHERE status = ANY($1::text[])
          AND updated_at < $2
          AND deleted_at IS NULL
        ORDER BY updated_at ASC
        LIMIT $3`
	return r.listPayouts(ctx, query, statusStrings(statuses), updatedBefore, limit)
}

func (r *PostgresRepository) listPayouts(ctx context.Context, query string, args ...any) ([]domain.Payout, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := make([]domain.Payout, 0)
	for rows.Next() {
		payout, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, *payout)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payouts, nil
}

// TransitionPayout applies a conditional status change. It returns ErrStaleTransition when
// the payout exists but is no longer in one of the expected predecessor states.
func (r *PostgresRepository) TransitionPayout(ctx context.Context, params TransitionParams) (*domain.Payout, error) {
	return r.transition(ctx, r.db, params)
}

func (r *PostgresRepository) transition(ctx context.Context, q querier, params TransitionParams) (*domain.Payout, error) {
	if len(params.From) == 0 {
		return nil, fmt.Errorf("transition to %s: no predecessor states given", params.Entry.Status)
	}
	history, err := encodeEntries(params.Entry)
	if err != nil {
		return nil, err
	}

	var rail *string
	if params.Rail != nil {
		value := string(*params.Rail)
		rail = &value
	}

	query := `
        UPDATE payouts
        SET
            status = $2,
            status_history = status_history || $3::jsonb,
            rail = COALESCE($4::text, rail),
            recipient_id = COALESCE($5::uuid, recipient_id),
            fee_minor = COALESCE($6::bigint, fee_minor),
            last_error = COALESCE($7::text, last_error),
            last_error_retryable = COALESCE($8::boolean, last_error_retryable),
            updated_at = NOW()
        WHERE id = $1
          AND status = ANY($9::text[])
        RETURNING` + payoutColumns

	payout, err := scanPayout(q.QueryRow(ctx, query,
		params.PayoutID,
		string(params.Entry.Status),
		history,
		rail,
		params.RecipientID,
		params.FeeMinor,
		params.LastError,
		params.LastErrorRetryable,
		statusStrings(params.From),
	))
	if err == nil {
		return payout, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition payout %s: %w", params.PayoutID, err)
	}

	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payouts WHERE id = $1)`, params.PayoutID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrPayoutNotFound
	}
	return nil, ErrStaleTransition
}

// AttachProviderTransfer records the provider transfer id on a payout still in
// transfer_creating that has none yet. When another writer attached first, the current payout
// is returned with ErrTransferAlreadyAttached; when the payout already left transfer_creating
// without a transfer, it is returned with ErrStaleTransition.
func (r *PostgresRepository) AttachProviderTransfer(ctx context.Context, payoutID uuid.UUID, providerTransferID string, feeMinor *int64) (*domain.Payout, error) {
	query := `
        UPDATE payouts
        SET
            provider_transfer_id = $2,
            fee_minor = COALESCE($3::bigint, fee_minor),
            updated_at = NOW()
        WHERE id = $1
          AND provider_transfer_id IS NULL
          AND status = 'transfer_creating'
        RETURNING` + payoutColumns

	payout, err := scanPayout(r.db.QueryRow(ctx, query, payoutID, providerTransferID, feeMinor))
	if err == nil {
		return payout, nil
	}
	if isUniqueViolation(err, "payouts_provider_transfer_id_idx") {
		return nil, ErrProviderTransferInUse
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("attach provider transfer: %w", err)
	}

	current, err := r.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if current.ProviderTransferID == nil {
		return current, ErrStaleTransition
	}
	return current, ErrTransferAlreadyAttached
}

// CreateRetryPayout links a new pending payout to a failed, retryable original. The
// original's status and history are left untouched; only its retried_by pointer is set.
func (r *PostgresRepository) CreateRetryPayout(ctx context.Context, originalID uuid.UUID) (*domain.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	original, err := r.findPayout(ctx, tx, `SELECT`+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, originalID)
	if err != nil {
		return nil, err
	}
	if original.DeletedAt != nil {
		return nil, ErrPayoutNotFound
	}
	if original.RetriedBy != nil {
		return nil, ErrPayoutAlreadyRetried
	}
	if original.Status != domain.StatusFailed || !original.LastErrorRetryable {
		return nil, ErrPayoutNotRetryable
	}

	entry := domain.StatusEntry{
		Status:    domain.StatusPending,
		Timestamp: time.Now().UTC(),
		Source:    domain.SourceEngine,
		Reason:    "retry of " + original.ID.String(),
	}
	history, err := encodeEntries(entry)
	if err != nil {
		return nil, err
	}
	bankDetails, err := json.Marshal(original.BankDetails)
	if err != nil {
		return nil, fmt.Errorf("encode bank details: %w", err)
	}

	newID := uuid.New()
	insert := `
        INSERT INTO payouts (
            id, creator_id, amount_minor, currency, country, status, status_history,
            reason, bank_details, retry_of, root_payout_id
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9::jsonb, $10, $11)
        RETURNING` + payoutColumns

	retry, err := scanPayout(tx.QueryRow(ctx, insert,
		newID,
		original.CreatorID,
		original.AmountMinor,
		original.Currency,
		original.Country,
		string(domain.StatusPending),
		history,
		original.Reason,
		string(bankDetails),
		original.ID,
		original.RootPayoutID,
	))
	if err != nil {
		return nil, fmt.Errorf("insert retry payout: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE payouts SET retried_by = $2, updated_at = NOW() WHERE id = $1`, original.ID, newID); err != nil {
		return nil, fmt.Errorf("link retry payout: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return retry, nil
}

// SoftDeletePayout hides a terminal payout from active queries. The row is retained.
func (r *PostgresRepository) SoftDeletePayout(ctx context.Context, payoutID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE payouts
        SET deleted_at = NOW(), updated_at = NOW()
        WHERE id = $1
          AND deleted_at IS NULL
          AND status IN ('completed', 'failed', 'cancelled')`, payoutID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	payout, err := r.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return err
	}
	if payout.DeletedAt != nil {
		return ErrPayoutNotFound
	}
	return ErrPayoutNotTerminal
}

// ApplyWebhookEvent inserts the idempotency marker and applies the optional transition in
// one transaction. A marker that already exists yields ErrDuplicateEvent and writes nothing.
func (r *PostgresRepository) ApplyWebhookEvent(ctx context.Context, params ApplyWebhookEventParams) (*domain.Payout, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	marker := params.Marker
	tag, err := tx.Exec(ctx, `
        INSERT INTO payout_webhook_events (provider_event_id, payout_id, rail, event_type, provider_state)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (provider_event_id) DO NOTHING`,
		marker.ProviderEventID,
		marker.PayoutID,
		string(marker.Rail),
		marker.EventType,
		marker.ProviderState,
	)
	if err != nil {
		return nil, fmt.Errorf("insert webhook marker: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrDuplicateEvent
	}

	var payout *domain.Payout
	if params.Transition != nil {
		payout, err = r.transition(ctx, tx, *params.Transition)
	} else {
		payout, err = r.findPayout(ctx, tx, `SELECT`+payoutColumns+` FROM payouts WHERE id = $1`, marker.PayoutID)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return payout, nil
}

// FindRecipient looks up a recipient by its dedup key.
func (r *PostgresRepository) FindRecipient(ctx context.Context, creatorID, normalizedDetailHash string, rail domain.Rail) (*domain.Recipient, error) {
	query := `SELECT` + recipientColumns + `
        FROM recipients
        WHERE creator_id = $1 AND normalized_detail_hash = $2 AND rail = $3`
	return r.findRecipient(ctx, query, creatorID, normalizedDetailHash, string(rail))
}

func (r *PostgresRepository) findRecipient(ctx context.Context, query string, args ...any) (*domain.Recipient, error) {
	recipient, err := scanRecipient(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecipientNotFound
		}
		return nil, err
	}
	return recipient, nil
}

// CreateRecipient inserts the recipient unless one already exists for the same dedup key.
// The boolean reports whether this call created the row; when false, the existing row is returned.
func (r *PostgresRepository) CreateRecipient(ctx context.Context, recipient domain.Recipient) (*domain.Recipient, bool, error) {
	if recipient.ID == uuid.Nil {
		recipient.ID = uuid.New()
	}
	query := `
        INSERT INTO recipients (
            id, rail, creator_id, normalized_detail_hash, provider_recipient_id,
            account_holder_name, account_last4, bank_code, country, currency
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (creator_id, normalized_detail_hash, rail) DO NOTHING
        RETURNING` + recipientColumns

	created, err := scanRecipient(r.db.QueryRow(ctx, query,
		recipient.ID,
		string(recipient.Rail),
		recipient.CreatorID,
		recipient.NormalizedDetailHash,
		recipient.ProviderRecipientID,
		recipient.AccountHolderName,
		recipient.AccountLast4,
		recipient.BankCode,
		recipient.Country,
		recipient.Currency,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert recipient: %w", err)
	}

	existing, err := r.FindRecipient(ctx, recipient.CreatorID, recipient.NormalizedDetailHash, recipient.Rail)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var (
		payout      domain.Payout
		rail        *string
		status      string
		history     []byte
		bankDetails []byte
	)
	err := row.Scan(
		&payout.ID,
		&payout.CreatorID,
		&payout.AmountMinor,
		&payout.Currency,
		&payout.Country,
		&rail,
		&payout.RecipientID,
		&payout.ProviderTransferID,
		&status,
		&payout.FeeMinor,
		&history,
		&payout.LastError,
		&payout.LastErrorRetryable,
		&payout.Reason,
		&payout.Reference,
		&bankDetails,
		&payout.RetryOf,
		&payout.RootPayoutID,
		&payout.RetriedBy,
		&payout.DeletedAt,
		&payout.CreatedAt,
		&payout.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	payout.Status = domain.PayoutStatus(status)
	if rail != nil {
		value := domain.Rail(*rail)
		payout.Rail = &value
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &payout.StatusHistory); err != nil {
			return nil, fmt.Errorf("decode status history for payout %s: %w", payout.ID, err)
		}
	}
	if len(bankDetails) > 0 {
		if err := json.Unmarshal(bankDetails, &payout.BankDetails); err != nil {
			return nil, fmt.Errorf("decode bank details for payout %s: %w", payout.ID, err)
		}
	}
	return &payout, nil
}

func scanRecipient(row pgx.Row) (*domain.Recipient, error) {
	var (
		recipient domain.Recipient
		rail      string
	)
	err := row.Scan(
		&recipient.ID,
		&rail,
		&recipient.CreatorID,
		&recipient.NormalizedDetailHash,
		&recipient.ProviderRecipientID,
		&recipient.AccountHolderName,
		&recipient.AccountLast4,
		&recipient.BankCode,
		&recipient.Country,
		&recipient.Currency,
		&recipient.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	recipient.Rail = domain.Rail(rail)
	return &recipient, nil
}

// encodeEntries renders entries as a JSON array string. A string rather than []byte keeps
// the simple query protocol from sending it as bytea.
func encodeEntries(entries ...domain.StatusEntry) (string, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encode status history: %w", err)
	}
	return string(payload), nil
}

func statusStrings(statuses []domain.PayoutStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}
