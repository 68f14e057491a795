package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/railclient"
)

// RecipientResolver finds or registers the rail-side recipient for a creator's bank details.
type RecipientResolver struct {
	repo      store.Repository
	providers Providers
	logger    *slog.Logger
}

func NewRecipientResolver(repo store.Repository, providers Providers, logger *slog.Logger) *RecipientResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecipientResolver{
		repo:      repo,
		providers: providers,
		logger:    logger.With("component", "recipient_resolver"),
	}
}

// NormalizedDetailHash is the dedup key for a bank destination. Formatting noise such as
// case, spaces and dashes does not change it.
func NormalizedDetailHash(details domain.BankDetails, currency string) string {
	parts := []string{
		normalizeDetail(details.AccountNumber),
		normalizeDetail(details.BankCode),
		normalizeDetail(currency),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func normalizeDetail(value string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			return -1
		}
		return r
	}, strings.ToUpper(value))
}

// ResolveRecipient returns the stored recipient for (creator, details, rail), creating it at
// the provider first when none exists. One call makes at most one provider request.
func (r *RecipientResolver) ResolveRecipient(ctx context.Context, creatorID string, details domain.BankDetails, currency string, rail domain.Rail) (*domain.Recipient, error) {
	hash := NormalizedDetailHash(details, currency)

	existing, err := r.repo.FindRecipient(ctx, creatorID, hash, rail)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrRecipientNotFound) {
		return nil, markTransient(fmt.Errorf("lookup recipient: %w", err))
	}

	provider, err := r.providers.For(rail)
	if err != nil {
		return nil, err
	}
	created, err := provider.CreateRecipient(ctx, railclient.CreateRecipientRequest{
		CreatorID:         creatorID,
		AccountHolderName: details.AccountHolderName,
		AccountNumber:     details.AccountNumber,
		BankCode:          details.BankCode,
		Country:           details.Country,
		Currency:          currency,
	})
	if err != nil {
		var providerErr *railclient.ProviderError
		if errors.As(err, &providerErr) {
			r.logger.Warn("provider rejected recipient",
				"creator_id", creatorID,
				"rail", rail,
				"status", providerErr.StatusCode,
				"code", providerErr.Code,
				"validation", providerErr.Validation())
		}
		return nil, err
	}
	if strings.TrimSpace(created.ID) == "" {
		return nil, &railclient.AmbiguousResponseError{Rail: string(rail), Operation: "create_recipient", Reason: "missing id"}
	}

	recipient, inserted, err := r.repo.CreateRecipient(ctx, domain.Recipient{
		Rail:                 rail,
		CreatorID:            creatorID,
		NormalizedDetailHash: hash,
		ProviderRecipientID:  created.ID,
		AccountHolderName:    details.AccountHolderName,
		AccountLast4:         lastFour(details.AccountNumber),
		BankCode:             details.BankCode,
		Country:              details.Country,
		Currency:             currency,
	})
	if err != nil {
		r.logger.Error("recipient persistence failed after provider create",
			"creator_id", creatorID, "rail", rail, "provider_recipient_id", created.ID, "error", err)
		return nil, markTransient(fmt.Errorf("persist recipient: %w", err))
	}
	if !inserted {
		recipientAnomaliesTotal.WithLabelValues(string(rail)).Inc()
		r.logger.Warn("duplicate provider recipient created; reusing stored recipient",
			"anomaly", true,
			"creator_id", creatorID,
			"rail", rail,
			"recipient_id", recipient.ID,
			"orphaned_provider_recipient_id", created.ID)
	}
	return recipient, nil
}

func lastFour(accountNumber string) string {
	digits := normalizeDetail(accountNumber)
	if len(digits) <= 4 {
		return digits
	}
	return digits[len(digits)-4:]
}
