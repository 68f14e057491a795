/**
 * @description
 * This file contains the core business logic for the payout-service. The `Service`
 * struct orchestrates every payout, coordinating between the rail catalog, the recipient
 * resolver, the transfer executor, the payout ledger and the message broker.
 *
 * Key features:
 * - Drives a payout through pending → recipient_resolving → transfer_creating → processing.
 * - Wraps every provider step in the retry orchestrator and records failures on the ledger.
 * - Runs the pipeline detached from the caller so a dropped connection cannot strand money.
 * - Publishes status events to RabbitMQ for downstream notification services.
 *
 * @dependencies
 * - context, errors, fmt, log/slog, sync, time: Standard Go libraries.
 * - github.com/google/uuid: For payout ids.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ServiceConfig carries the tunables the engine reads from configuration.
type ServiceConfig struct {
	Retry                   RetryPolicy
	BatchMaxConcurrent      int
	BatchMaxConcurrentLimit int
	BatchMaxItems           int
}

// Service provides the core business logic for payouts.
type Service struct {
	repo     store.Repository
	catalog  *RailCatalog
	resolver *RecipientResolver
	executor *TransferExecutor
	events   *EventPublisher
	retry    RetryPolicy
	batch    ServiceConfig
	logger   *slog.Logger
	now      func() time.Time
	inflight sync.WaitGroup
}

// NewService creates a new payout service instance.
func NewService(repo store.Repository, catalog *RailCatalog, providers Providers, events *EventPublisher, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if policy.Observe == nil {
		policy.Observe = observeRetry
	}
	if cfg.BatchMaxConcurrent <= 0 {
		cfg.BatchMaxConcurrent = 5
	}
	if cfg.BatchMaxConcurrentLimit <= 0 {
		cfg.BatchMaxConcurrentLimit = 20
	}
	if cfg.BatchMaxItems <= 0 {
		cfg.BatchMaxItems = 500
	}

	return &Service{
		repo:     repo,
		catalog:  catalog,
		resolver: NewRecipientResolver(repo, providers, logger),
		executor: NewTransferExecutor(repo, providers, logger),
		events:   events,
		retry:    policy,
		batch:    cfg,
		logger:   logger.With("component", "payout_engine"),
		now:      time.Now,
	}
}

// CreatePayout validates the request, records the payout and drives it as far as the
// provider allows. When a row was written it is always returned, even alongside an error,
// so callers can report the payout id.
func (s *Service) CreatePayout(ctx context.Context, req domain.PayoutRequest) (*domain.Payout, error) {
	valid, err := validatePayoutRequest(req)
	if err != nil {
		return nil, err
	}

	if valid.Reference != "" {
		existing, err := s.repo.FindPayoutByReference(ctx, valid.CreatorID, valid.Reference)
		if err == nil {
			s.logger.Info("payout reference already used; returning existing payout",
				"payout_id", existing.ID, "creator_id", valid.CreatorID, "reference", valid.Reference)
			return existing, nil
		}
		if !errors.Is(err, store.ErrPayoutNotFound) {
			return nil, fmt.Errorf("lookup payout reference: %w", err)
		}
	}

	payout, err := s.repo.CreatePayout(ctx, store.CreatePayoutParams{
		CreatorID:   valid.CreatorID,
		AmountMinor: valid.AmountMinor,
		Currency:    valid.Currency,
		Country:     valid.Country,
		Reason:      valid.Reason,
		Reference:   valid.Reference,
		BankDetails: valid.BankDetails,
		Entry:       s.entry(domain.StatusPending, domain.SourceEngine, ""),
	})
	if errors.Is(err, store.ErrDuplicateReference) {
		return s.repo.FindPayoutByReference(ctx, valid.CreatorID, valid.Reference)
	}
	if err != nil {
		return nil, fmt.Errorf("create payout: %w", err)
	}
	payoutTransitionsTotal.WithLabelValues(string(domain.StatusPending), string(domain.SourceEngine)).Inc()
	s.logger.Info("payout created",
		"payout_id", payout.ID,
		"creator_id", payout.CreatorID,
		"amount", domain.FormatMinorUnits(payout.AmountMinor, payout.Currency),
		"currency", payout.Currency,
		"account", valid.BankDetails.MaskedAccountNumber())

	return s.runPipeline(context.WithoutCancel(ctx), payout)
}

// runPipeline moves a pending payout through routing, recipient resolution and transfer
// creation. It is shared by new payouts and retries.
func (s *Service) runPipeline(ctx context.Context, payout *domain.Payout) (*domain.Payout, error) {
	rail, err := s.catalog.SelectRail(payout.Currency, payout.Country)
	if err != nil {
		msg := err.Error()
		retryable := false
		cancelled, tErr := s.transition(ctx, store.TransitionParams{
			PayoutID:           payout.ID,
			From:               []domain.PayoutStatus{domain.StatusPending},
			Entry:              s.entry(domain.StatusCancelled, domain.SourceEngine, msg),
			LastError:          &msg,
			LastErrorRetryable: &retryable,
		})
		if tErr != nil {
			s.logger.Error("failed to cancel unroutable payout", "payout_id", payout.ID, "error", tErr)
			return payout, err
		}
		s.events.PayoutStatusChanged(ctx, cancelled)
		return cancelled, err
	}

	current, err := s.transition(ctx, store.TransitionParams{
		PayoutID: payout.ID,
		From:     []domain.PayoutStatus{domain.StatusPending},
		Entry:    s.entry(domain.StatusRecipientResolving, domain.SourceEngine, ""),
		Rail:     &rail,
	})
	if err != nil {
		return s.interrupted(ctx, payout, err)
	}

	recipient, err := WithRetry(ctx, s.retry, "resolve_recipient", func(ctx context.Context) (*domain.Recipient, error) {
		return s.resolver.ResolveRecipient(ctx, payout.CreatorID, payout.BankDetails, payout.Currency, rail)
	})
	if err != nil {
		return s.fail(ctx, current, "resolve_recipient", err)
	}

	current, err = s.transition(ctx, store.TransitionParams{
		PayoutID:    payout.ID,
		From:        []domain.PayoutStatus{domain.StatusRecipientResolving},
		Entry:       s.entry(domain.StatusTransferCreating, domain.SourceEngine, ""),
		RecipientID: &recipient.ID,
	})
	if err != nil {
		return s.interrupted(ctx, payout, err)
	}

	handle, err := WithRetry(ctx, s.retry, "create_transfer", func(ctx context.Context) (*domain.TransferHandle, error) {
		return s.executor.CreateTransfer(ctx, payout.ID, recipient, payout.AmountMinor, payout.Currency)
	})
	if errors.Is(err, store.ErrStaleTransition) {
		// The sweep settled the payout while the provider call was outstanding.
		return s.interrupted(ctx, payout, err)
	}
	if err != nil {
		return s.fail(ctx, current, "create_transfer", err)
	}

	processing, err := s.transition(ctx, store.TransitionParams{
		PayoutID: payout.ID,
		From:     []domain.PayoutStatus{domain.StatusTransferCreating},
		Entry:    s.entry(domain.StatusProcessing, domain.SourceEngine, ""),
		FeeMinor: handle.FeeMinor,
	})
	if errors.Is(err, store.ErrStaleTransition) {
		// A webhook for this transfer was applied first.
		return s.reload(ctx, payout)
	}
	if err != nil {
		return current, fmt.Errorf("mark payout processing: %w", err)
	}
	s.events.PayoutStatusChanged(ctx, processing)

	if !handle.InitialStatus.Terminal() {
		return processing, nil
	}

	params := store.TransitionParams{
		PayoutID: payout.ID,
		From:     []domain.PayoutStatus{domain.StatusProcessing},
		Entry:    s.entry(handle.InitialStatus, domain.SourceProvider, "final status reported at creation"),
	}
	if handle.InitialStatus == domain.StatusFailed {
		msg := "provider reported the transfer failed"
		retryable := false
		params.LastError = &msg
		params.LastErrorRetryable = &retryable
	}
	final, err := s.transition(ctx, params)
	if errors.Is(err, store.ErrStaleTransition) {
		return s.reload(ctx, payout)
	}
	if err != nil {
		return processing, fmt.Errorf("record provider status: %w", err)
	}
	s.events.PayoutStatusChanged(ctx, final)
	return final, nil
}

// fail records a provider-step failure. The payout keeps its id so the caller can retry it.
func (s *Service) fail(ctx context.Context, current *domain.Payout, step string, cause error) (*domain.Payout, error) {
	retryable := IsRetryable(cause)
	msg := cause.Error()
	failure := &ProviderFailure{Step: step, Retryable: retryable, Err: cause}

	s.logger.Warn("payout step failed",
		"payout_id", current.ID, "step", step, "retryable", retryable, "error", cause)

	failed, err := s.transition(ctx, store.TransitionParams{
		PayoutID:           current.ID,
		From:               domain.InFlight,
		Entry:              s.entry(domain.StatusFailed, domain.SourceEngine, step+": "+msg),
		LastError:          &msg,
		LastErrorRetryable: &retryable,
	})
	if err != nil {
		s.logger.Error("failed to record payout failure", "payout_id", current.ID, "error", err)
		latest, reloadErr := s.reload(ctx, current)
		if reloadErr != nil {
			return current, failure
		}
		return latest, failure
	}
	s.events.PayoutStatusChanged(ctx, failed)
	return failed, failure
}

// interrupted handles an engine transition that missed because another writer (usually the
// sweep) moved the payout first.
func (s *Service) interrupted(ctx context.Context, payout *domain.Payout, cause error) (*domain.Payout, error) {
	latest, err := s.reload(ctx, payout)
	if err != nil {
		return payout, cause
	}
	s.logger.Warn("payout pipeline interrupted", "payout_id", payout.ID, "status", latest.Status, "error", cause)
	return latest, fmt.Errorf("payout %s moved to %s concurrently: %w", payout.ID, latest.Status, cause)
}

func (s *Service) reload(ctx context.Context, payout *domain.Payout) (*domain.Payout, error) {
	latest, err := s.repo.FindPayoutByID(ctx, payout.ID)
	if err != nil {
		return payout, fmt.Errorf("reload payout: %w", err)
	}
	return latest, nil
}

func (s *Service) transition(ctx context.Context, params store.TransitionParams) (*domain.Payout, error) {
	payout, err := s.repo.TransitionPayout(ctx, params)
	if err != nil {
		return nil, err
	}
	payoutTransitionsTotal.WithLabelValues(string(params.Entry.Status), string(params.Entry.Source)).Inc()
	s.logger.Info("payout transitioned",
		"payout_id", payout.ID, "status", payout.Status, "source", params.Entry.Source)
	return payout, nil
}

func (s *Service) entry(status domain.PayoutStatus, source domain.StatusSource, reason string) domain.StatusEntry {
	return domain.StatusEntry{
		Status:    status,
		Timestamp: s.now().UTC(),
		Source:    source,
		Reason:    reason,
	}
}

// GetPayout returns an active payout with its full status history.
func (s *Service) GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	payout, err := s.repo.FindPayoutByID(ctx, payoutID)
	if errors.Is(err, store.ErrPayoutNotFound) {
		return nil, ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	if payout.DeletedAt != nil {
		return nil, ErrPayoutNotFound
	}
	return payout, nil
}

// ListPayouts returns a creator's active payouts, newest first.
func (s *Service) ListPayouts(ctx context.Context, creatorID string, limit int) ([]domain.Payout, error) {
	if creatorID == "" {
		return nil, &ValidationError{Field: "creator_id", Message: "is required"}
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListPayoutsByCreator(ctx, creatorID, limit)
}

// RetryPayout creates a new payout linked to a failed, retryable original and starts its
// pipeline in the background. The original stays failed with its history untouched.
func (s *Service) RetryPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	retry, err := s.repo.CreateRetryPayout(ctx, payoutID)
	switch {
	case errors.Is(err, store.ErrPayoutNotFound):
		return nil, ErrPayoutNotFound
	case errors.Is(err, store.ErrPayoutNotRetryable):
		return nil, ErrNotRetryable
	case errors.Is(err, store.ErrPayoutAlreadyRetried):
		return nil, ErrAlreadyRetried
	case err != nil:
		return nil, fmt.Errorf("create retry payout: %w", err)
	}
	payoutTransitionsTotal.WithLabelValues(string(domain.StatusPending), string(domain.SourceEngine)).Inc()
	s.logger.Info("payout retry created", "payout_id", retry.ID, "retry_of", payoutID, "root_payout_id", retry.RootPayoutID)

	detached := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.runPipeline(detached, retry); err != nil {
			s.logger.Warn("retried payout did not reach processing", "payout_id", retry.ID, "error", err)
		}
	}()
	return retry, nil
}

// DeletePayout soft-deletes a terminal payout.
func (s *Service) DeletePayout(ctx context.Context, payoutID uuid.UUID) error {
	err := s.repo.SoftDeletePayout(ctx, payoutID)
	switch {
	case errors.Is(err, store.ErrPayoutNotFound):
		return ErrPayoutNotFound
	case errors.Is(err, store.ErrPayoutNotTerminal):
		return ErrNotTerminal
	case err != nil:
		return err
	}
	s.logger.Info("payout soft-deleted", "payout_id", payoutID)
	return nil
}

// Wait blocks until background pipelines started by RetryPayout have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}
