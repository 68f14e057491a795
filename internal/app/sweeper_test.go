package app

import (
	"context"
	"testing"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
)

func newTestSweeper(env *testEnv) *Sweeper {
	return NewSweeper(env.repo, env.providers, env.events, SweepConfig{
		StaleAfter:     30 * time.Minute,
		AbandonedAfter: 15 * time.Minute,
		BatchSize:      10,
		CallTimeout:    time.Second,
	}, testLogger())
}

func TestSweeper_ConvergesStaleProcessingPayout(t *testing.T) {
	env := newTestEnv(t)
	payout := processingPayout(t, env)
	env.repo.setUpdatedAt(t, payout.ID, time.Now().Add(-time.Hour))
	env.provider.getStatus = "outgoing_payment_sent"

	report, err := newTestSweeper(env).Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Converged != 1 {
		t.Fatalf("expected one converged payout, got %+v", report)
	}
	after := env.repo.mustGet(t, payout.ID)
	if after.Status != domain.StatusCompleted || lastEntry(after).Source != domain.SourceReconciliation {
		t.Fatalf("expected completed via reconciliation, got %s/%s", after.Status, lastEntry(after).Source)
	}
}

func TestSweeper_LeavesFreshAndStillProcessingPayouts(t *testing.T) {
	env := newTestEnv(t)
	fresh := processingPayout(t, env)
	env.provider.getStatus = "outgoing_payment_sent"

	if _, err := newTestSweeper(env).Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if env.repo.mustGet(t, fresh.ID).Status != domain.StatusProcessing {
		t.Fatal("fresh payout must not be swept")
	}

	env.repo.setUpdatedAt(t, fresh.ID, time.Now().Add(-time.Hour))
	env.provider.getStatus = "processing"
	report, err := newTestSweeper(env).Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Converged != 0 || env.repo.mustGet(t, fresh.ID).Status != domain.StatusProcessing {
		t.Fatalf("still-processing payout changed: %+v", report)
	}
}

func TestSweeper_FailsAbandonedPayoutAsRetryable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payout, err := env.repo.CreatePayout(ctx, store.CreatePayoutParams{
		CreatorID:   "c1",
		AmountMinor: 5000,
		Currency:    "NGN",
		Country:     "NG",
		Entry:       domain.StatusEntry{Status: domain.StatusPending, Source: domain.SourceEngine},
	})
	if err != nil {
		t.Fatalf("CreatePayout: %v", err)
	}
	if _, err := env.repo.TransitionPayout(ctx, store.TransitionParams{
		PayoutID: payout.ID,
		From:     []domain.PayoutStatus{domain.StatusPending},
		Entry:    domain.StatusEntry{Status: domain.StatusRecipientResolving, Source: domain.SourceEngine},
	}); err != nil {
		t.Fatalf("TransitionPayout: %v", err)
	}
	env.repo.setUpdatedAt(t, payout.ID, time.Now().Add(-time.Hour))

	report, err := newTestSweeper(env).Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Abandoned != 1 {
		t.Fatalf("expected one abandoned payout, got %+v", report)
	}
	after := env.repo.mustGet(t, payout.ID)
	if after.Status != domain.StatusFailed || !after.LastErrorRetryable || lastEntry(after).Source != domain.SourceReconciliation {
		t.Fatalf("expected retryable failure from reconciliation, got %+v", after)
	}
}

func TestSweeper_ResumesAbandonedPayoutWithAttachedTransfer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payout, err := env.repo.CreatePayout(ctx, store.CreatePayoutParams{
		CreatorID:   "c1",
		AmountMinor: 5000,
		Currency:    "NGN",
		Country:     "NG",
		Entry:       domain.StatusEntry{Status: domain.StatusTransferCreating, Source: domain.SourceEngine},
	})
	if err != nil {
		t.Fatalf("CreatePayout: %v", err)
	}
	if _, err := env.repo.AttachProviderTransfer(ctx, payout.ID, "tr_orphan", nil); err != nil {
		t.Fatalf("AttachProviderTransfer: %v", err)
	}
	env.repo.setUpdatedAt(t, payout.ID, time.Now().Add(-time.Hour))

	report, err := newTestSweeper(env).Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if report.Resumed != 1 {
		t.Fatalf("expected one resumed payout, got %+v", report)
	}
	if status := env.repo.mustGet(t, payout.ID).Status; status != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", status)
	}
}
