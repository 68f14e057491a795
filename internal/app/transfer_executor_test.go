package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/railclient"
)

// bankRail is an httptest stand-in for the bank-transfer rail. transferReply picks the
// body returned for the nth create-transfer call.
type bankRail struct {
	mu            sync.Mutex
	transferCalls int
	keys          []string
	transferReply func(call int) string
}

func (b *bankRail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/v1/accounts":
		_, _ = io.WriteString(w, `{"id": 40001234}`)
	case "/v1/transfers":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.transferCalls++
		call := b.transferCalls
		key, _ := body["customerTransactionId"].(string)
		b.keys = append(b.keys, key)
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, b.transferReply(call))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *bankRail) calls() (int, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transferCalls, append([]string(nil), b.keys...)
}

func withBankRail(t *testing.T, env *testEnv, rail *bankRail) {
	t.Helper()
	server := httptest.NewServer(rail)
	t.Cleanup(server.Close)
	env.providers[domain.RailB] = railclient.NewBankTransferClient(server.URL, "key", time.Second)
}

func TestCreatePayout_TransferReplyWithoutIDIsRetriedWithSameKey(t *testing.T) {
	env := newTestEnv(t)
	rail := &bankRail{transferReply: func(call int) string {
		if call == 1 {
			return `{}`
		}
		return `{"id":"tr_9","status":"processing"}`
	}}
	withBankRail(t, env, rail)

	payout, err := env.service.CreatePayout(context.Background(), ngnRequest("c1"))
	if err != nil {
		t.Fatalf("CreatePayout returned error: %v", err)
	}
	if payout.Status != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", payout.Status)
	}
	if payout.ProviderTransferID == nil || *payout.ProviderTransferID != "tr_9" {
		t.Fatalf("expected provider transfer tr_9, got %v", payout.ProviderTransferID)
	}

	calls, keys := rail.calls()
	if calls != 2 {
		t.Fatalf("expected 2 transfer calls, got %d", calls)
	}
	if keys[0] != payout.RootPayoutID.String() || keys[1] != keys[0] {
		t.Fatalf("expected both calls keyed by root id %s, got %v", payout.RootPayoutID, keys)
	}
}

func TestCreatePayout_UndecodableTransferReplyFailsRetryable(t *testing.T) {
	env := newTestEnv(t)
	rail := &bankRail{transferReply: func(int) string { return `<html>ok</html>` }}
	withBankRail(t, env, rail)

	payout, err := env.service.CreatePayout(context.Background(), ngnRequest("c1"))
	var failure *ProviderFailure
	if !errors.As(err, &failure) || !failure.Retryable {
		t.Fatalf("expected retryable provider failure, got %v", err)
	}
	if !errors.Is(err, railclient.ErrAmbiguousResponse) {
		t.Fatalf("expected ambiguous response cause, got %v", err)
	}

	stored := env.repo.mustGet(t, payout.ID)
	if stored.Status != domain.StatusFailed || !stored.LastErrorRetryable {
		t.Fatalf("expected failed with retryable error, got %s retryable=%t", stored.Status, stored.LastErrorRetryable)
	}
	if stored.ProviderTransferID != nil {
		t.Fatalf("expected no provider transfer id, got %q", *stored.ProviderTransferID)
	}
	if calls, _ := rail.calls(); calls != fastPolicy().MaxAttempts {
		t.Fatalf("expected %d transfer calls, got %d", fastPolicy().MaxAttempts, calls)
	}
}

func TestTransferExecutor_RejectsEmptyTransferID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	payout := transferCreatingPayout(t, env)
	env.providers[domain.RailB] = emptyIDProvider{}

	executor := NewTransferExecutor(env.repo, env.providers, testLogger())
	recipient := &domain.Recipient{Rail: domain.RailB, ProviderRecipientID: "rcp_1"}
	_, err := executor.CreateTransfer(ctx, payout.ID, recipient, 5000, "NGN")
	if !errors.Is(err, railclient.ErrAmbiguousResponse) || !IsRetryable(err) {
		t.Fatalf("expected retryable ambiguous response, got %v", err)
	}
	if stored := env.repo.mustGet(t, payout.ID); stored.ProviderTransferID != nil {
		t.Fatalf("empty transfer id was attached: %q", *stored.ProviderTransferID)
	}
}

func TestCreatePayout_SweepDuringTransferCallIsNotOverwritten(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.provider.transferErr = func(int) error {
		payouts, err := env.repo.ListPayoutsByCreator(ctx, "c1", 10)
		if err != nil || len(payouts) != 1 {
			t.Errorf("expected one payout for c1, got %d (%v)", len(payouts), err)
			return nil
		}
		msg := "abandoned in transfer_creating"
		retryable := true
		if _, err := env.repo.TransitionPayout(ctx, store.TransitionParams{
			PayoutID:           payouts[0].ID,
			From:               domain.InFlight,
			Entry:              domain.StatusEntry{Status: domain.StatusFailed, Timestamp: time.Now().UTC(), Source: domain.SourceReconciliation, Reason: msg},
			LastError:          &msg,
			LastErrorRetryable: &retryable,
		}); err != nil {
			t.Errorf("sweep transition: %v", err)
		}
		return nil
	}

	payout, err := env.service.CreatePayout(ctx, ngnRequest("c1"))
	if !errors.Is(err, store.ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}
	if errors.Is(err, store.ErrProviderTransferInUse) {
		t.Fatalf("stale attach misreported as transfer reuse: %v", err)
	}

	stored := env.repo.mustGet(t, payout.ID)
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected payout to stay failed, got %s", stored.Status)
	}
	if stored.ProviderTransferID != nil {
		t.Fatalf("transfer attached to a terminal payout: %q", *stored.ProviderTransferID)
	}
	if last := lastEntry(stored); last.Source != domain.SourceReconciliation {
		t.Fatalf("expected the sweep entry to stay last, got %+v", last)
	}
	if _, transfers := env.provider.counts(); transfers != 1 {
		t.Fatalf("expected a single transfer call, got %d", transfers)
	}
}

func transferCreatingPayout(t *testing.T, env *testEnv) *domain.Payout {
	t.Helper()
	payout, err := env.repo.CreatePayout(context.Background(), store.CreatePayoutParams{
		CreatorID:   "c1",
		AmountMinor: 5000,
		Currency:    "NGN",
		Country:     "NG",
		Entry:       domain.StatusEntry{Status: domain.StatusTransferCreating, Source: domain.SourceEngine},
	})
	if err != nil {
		t.Fatalf("CreatePayout: %v", err)
	}
	return payout
}

// emptyIDProvider answers every create with a blank id.
type emptyIDProvider struct{}

func (emptyIDProvider) CreateRecipient(ctx context.Context, req railclient.CreateRecipientRequest) (*railclient.Recipient, error) {
	return &railclient.Recipient{}, nil
}

func (emptyIDProvider) CreateTransfer(ctx context.Context, req railclient.CreateTransferRequest) (*railclient.Transfer, error) {
	return &railclient.Transfer{Status: "processing"}, nil
}

func (emptyIDProvider) GetTransfer(ctx context.Context, transferID string) (*railclient.Transfer, error) {
	return &railclient.Transfer{ID: transferID}, nil
}

func TestCreatePayout_RecipientValidationRejectionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.provider.recipientErr = func(int) error {
		return &railclient.ProviderError{Rail: "test", Operation: "create_recipient", StatusCode: http.StatusUnprocessableEntity, Code: "error.validation"}
	}

	payout, err := env.service.CreatePayout(context.Background(), ngnRequest("c1"))
	var failure *ProviderFailure
	if !errors.As(err, &failure) || failure.Retryable || failure.Step != "resolve_recipient" {
		t.Fatalf("expected terminal resolve_recipient failure, got %v", err)
	}
	stored := env.repo.mustGet(t, payout.ID)
	if stored.Status != domain.StatusFailed || stored.LastErrorRetryable {
		t.Fatalf("expected non-retryable failure, got %s retryable=%t", stored.Status, stored.LastErrorRetryable)
	}
	if recipients, transfers := env.provider.counts(); recipients != 1 || transfers != 0 {
		t.Fatalf("expected one recipient call and no transfer, got %d/%d", recipients, transfers)
	}
}
