package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/railclient"
)

// TransferExecutor creates the provider transfer for a payout and attaches it to the ledger.
type TransferExecutor struct {
	repo      store.Repository
	providers Providers
	logger    *slog.Logger
}

func NewTransferExecutor(repo store.Repository, providers Providers, logger *slog.Logger) *TransferExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TransferExecutor{
		repo:      repo,
		providers: providers,
		logger:    logger.With("component", "transfer_executor"),
	}
}

// CreateTransfer makes at most one provider call. A payout that already carries a provider
// transfer id is returned as-is, and the provider idempotency key is the payout's root id so
// a retried payout can never move money twice.
func (e *TransferExecutor) CreateTransfer(ctx context.Context, payoutID uuid.UUID, recipient *domain.Recipient, amountMinor int64, currency string) (*domain.TransferHandle, error) {
	payout, err := e.repo.FindPayoutByID(ctx, payoutID)
	if err != nil {
		return nil, markTransient(fmt.Errorf("load payout: %w", err))
	}
	if payout.ProviderTransferID != nil {
		e.logger.Info("transfer already attached; skipping provider call",
			"payout_id", payoutID, "provider_transfer_id", *payout.ProviderTransferID)
		return handleFromPayout(payout), nil
	}

	provider, err := e.providers.For(recipient.Rail)
	if err != nil {
		return nil, err
	}

	transfer, err := provider.CreateTransfer(ctx, railclient.CreateTransferRequest{
		IdempotencyKey: payout.RootPayoutID.String(),
		RecipientID:    recipient.ProviderRecipientID,
		AmountMinor:    amountMinor,
		Amount:         domain.FromMinorUnits(amountMinor, currency),
		Currency:       currency,
		Reference:      transferReference(payout),
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(transfer.ID) == "" {
		// The transfer may exist at the rail; the same idempotency key recovers it on retry.
		return nil, &railclient.AmbiguousResponseError{Rail: string(recipient.Rail), Operation: "create_transfer", Reason: "missing id"}
	}

	handle := &domain.TransferHandle{
		ProviderTransferID: transfer.ID,
		InitialStatus:      domain.StatusProcessing,
	}
	if status, ok := MapProviderState(transfer.Status); ok {
		handle.InitialStatus = status
	}
	if transfer.Fee != nil {
		fee, feeErr := domain.DecimalToMinorUnits(*transfer.Fee, currency)
		if feeErr != nil {
			e.logger.Warn("ignoring unusable provider fee", "payout_id", payoutID, "fee", transfer.Fee.String(), "error", feeErr)
		} else {
			handle.FeeMinor = &fee
		}
	}

	attached, err := e.repo.AttachProviderTransfer(ctx, payoutID, transfer.ID, handle.FeeMinor)
	switch {
	case err == nil:
		return handle, nil
	case errors.Is(err, store.ErrTransferAlreadyAttached) && attached != nil:
		if attached.ProviderTransferID != nil && *attached.ProviderTransferID != transfer.ID {
			e.logger.Warn("concurrent attach recorded a different transfer",
				"anomaly", true,
				"payout_id", payoutID,
				"provider_transfer_id", *attached.ProviderTransferID,
				"discarded_transfer_id", transfer.ID)
		}
		return handleFromPayout(attached), nil
	case errors.Is(err, store.ErrStaleTransition):
		e.logger.Warn("payout left transfer_creating before the transfer was attached",
			"payout_id", payoutID, "provider_transfer_id", transfer.ID)
		return nil, fmt.Errorf("attach provider transfer %s: %w", transfer.ID, err)
	case errors.Is(err, store.ErrProviderTransferInUse):
		return nil, fmt.Errorf("provider transfer %s already belongs to another payout: %w", transfer.ID, err)
	default:
		return nil, markTransient(fmt.Errorf("attach provider transfer: %w", err))
	}
}

func handleFromPayout(payout *domain.Payout) *domain.TransferHandle {
	handle := &domain.TransferHandle{
		ProviderTransferID: *payout.ProviderTransferID,
		FeeMinor:           payout.FeeMinor,
		InitialStatus:      domain.StatusProcessing,
	}
	if payout.Status.Terminal() {
		handle.InitialStatus = payout.Status
	}
	return handle
}

func transferReference(payout *domain.Payout) string {
	if payout.Reference != nil && *payout.Reference != "" {
		return *payout.Reference
	}
	return "payout " + payout.ID.String()
}
