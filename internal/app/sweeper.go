/**
 * @description
 * Reconciliation sweep. Converges payouts whose callbacks never arrived and fails payouts
 * whose pipeline stopped before reaching the provider.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
)

// SweepConfig bounds one sweep run.
type SweepConfig struct {
	StaleAfter     time.Duration
	AbandonedAfter time.Duration
	BatchSize      int
	CallTimeout    time.Duration
}

// SweepReport counts what a sweep run did.
type SweepReport struct {
	Checked   int
	Converged int
	Resumed   int
	Abandoned int
	Errors    int
}

// Sweeper runs the reconciliation sweep.
type Sweeper struct {
	repo      store.Repository
	providers Providers
	events    *EventPublisher
	config    SweepConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewSweeper(repo store.Repository, providers Providers, events *EventPublisher, cfg SweepConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.AbandonedAfter <= 0 {
		cfg.AbandonedAfter = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Sweeper{
		repo:      repo,
		providers: providers,
		events:    events,
		config:    cfg,
		logger:    logger.With("component", "reconciliation_sweep"),
		now:       time.Now,
	}
}

// Run performs one sweep. Per-payout failures are counted and logged, not returned.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.now().UTC()

	stale, err := s.repo.ListStalePayouts(ctx, []domain.PayoutStatus{domain.StatusProcessing}, now.Add(-s.config.StaleAfter), s.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale processing payouts: %w", err)
	}
	for i := range stale {
		report.Checked++
		converged, err := s.convergeProcessing(ctx, &stale[i])
		switch {
		case err != nil:
			report.Errors++
			sweepPayoutsTotal.WithLabelValues("stale", "error").Inc()
			s.logger.Warn("provider lookup failed during sweep", "payout_id", stale[i].ID, "error", err)
		case converged:
			report.Converged++
			sweepPayoutsTotal.WithLabelValues("stale", "converged").Inc()
		default:
			sweepPayoutsTotal.WithLabelValues("stale", "unchanged").Inc()
		}
	}

	abandoned, err := s.repo.ListStalePayouts(ctx, domain.InFlight, now.Add(-s.config.AbandonedAfter), s.config.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list abandoned payouts: %w", err)
	}
	for i := range abandoned {
		report.Checked++
		resumed, err := s.settleAbandoned(ctx, &abandoned[i])
		switch {
		case err != nil:
			report.Errors++
			sweepPayoutsTotal.WithLabelValues("abandoned", "error").Inc()
			s.logger.Warn("failed to settle abandoned payout", "payout_id", abandoned[i].ID, "error", err)
		case resumed:
			report.Resumed++
			sweepPayoutsTotal.WithLabelValues("abandoned", "resumed").Inc()
		default:
			report.Abandoned++
			sweepPayoutsTotal.WithLabelValues("abandoned", "failed").Inc()
		}
	}

	s.logger.Info("reconciliation sweep finished",
		"checked", report.Checked,
		"converged", report.Converged,
		"resumed", report.Resumed,
		"abandoned", report.Abandoned,
		"errors", report.Errors)
	return report, nil
}

// RunScheduled is the cron entry point.
func (s *Sweeper) RunScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
	defer cancel()
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("reconciliation sweep failed", "error", err)
	}
}

func (s *Sweeper) convergeProcessing(ctx context.Context, payout *domain.Payout) (bool, error) {
	if payout.Rail == nil || payout.ProviderTransferID == nil {
		return false, nil
	}
	provider, err := s.providers.For(*payout.Rail)
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.CallTimeout)
	defer cancel()
	transfer, err := provider.GetTransfer(callCtx, *payout.ProviderTransferID)
	if err != nil {
		return false, err
	}

	target, ok := MapProviderState(transfer.Status)
	if !ok || target == domain.StatusProcessing {
		return false, nil
	}

	params := store.TransitionParams{
		PayoutID: payout.ID,
		From:     []domain.PayoutStatus{domain.StatusProcessing},
		Entry:    s.entry(target, "provider lookup reported "+transfer.Status),
	}
	if target == domain.StatusFailed {
		msg := "provider reported " + transfer.Status
		retryable := false
		params.LastError = &msg
		params.LastErrorRetryable = &retryable
	}
	return s.transition(ctx, params)
}

func (s *Sweeper) settleAbandoned(ctx context.Context, payout *domain.Payout) (bool, error) {
	if payout.ProviderTransferID != nil {
		_, err := s.transition(ctx, store.TransitionParams{
			PayoutID: payout.ID,
			From:     []domain.PayoutStatus{domain.StatusTransferCreating},
			Entry:    s.entry(domain.StatusProcessing, "transfer attached before pipeline stopped"),
		})
		return true, err
	}

	msg := fmt.Sprintf("payout abandoned in %s", payout.Status)
	retryable := true
	_, err := s.transition(ctx, store.TransitionParams{
		PayoutID:           payout.ID,
		From:               domain.InFlight,
		Entry:              s.entry(domain.StatusFailed, msg),
		LastError:          &msg,
		LastErrorRetryable: &retryable,
	})
	return false, err
}

// transition applies a reconciliation transition. A stale miss means someone else already
// moved the payout and is not an error.
func (s *Sweeper) transition(ctx context.Context, params store.TransitionParams) (bool, error) {
	updated, err := s.repo.TransitionPayout(ctx, params)
	if errors.Is(err, store.ErrStaleTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	payoutTransitionsTotal.WithLabelValues(string(params.Entry.Status), string(domain.SourceReconciliation)).Inc()
	s.logger.Info("payout transitioned",
		"payout_id", updated.ID, "status", updated.Status, "source", domain.SourceReconciliation)
	s.events.PayoutStatusChanged(ctx, updated)
	return true, nil
}

func (s *Sweeper) entry(status domain.PayoutStatus, reason string) domain.StatusEntry {
	return domain.StatusEntry{
		Status:    status,
		Timestamp: s.now().UTC(),
		Source:    domain.SourceReconciliation,
		Reason:    reason,
	}
}
