package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/railclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo is an in-memory ledger with the same conditional-update semantics as the
// Postgres repository.
type memRepo struct {
	mu         sync.Mutex
	payouts    map[uuid.UUID]*domain.Payout
	recipients map[uuid.UUID]*domain.Recipient
	markers    map[string]store.WebhookEventMarker

	// beforeTransition runs outside the lock before each TransitionPayout call.
	beforeTransition func(params store.TransitionParams)
}

func newMemRepo() *memRepo {
	return &memRepo{
		payouts:    make(map[uuid.UUID]*domain.Payout),
		recipients: make(map[uuid.UUID]*domain.Recipient),
		markers:    make(map[string]store.WebhookEventMarker),
	}
}

func clonePayout(p *domain.Payout) *domain.Payout {
	c := *p
	c.StatusHistory = slices.Clone(p.StatusHistory)
	return &c
}

func (r *memRepo) CreatePayout(ctx context.Context, params store.CreatePayoutParams) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if params.Reference != "" {
		for _, p := range r.payouts {
			if p.CreatorID == params.CreatorID && p.Reference != nil && *p.Reference == params.Reference {
				return nil, store.ErrDuplicateReference
			}
		}
	}

	now := time.Now().UTC()
	id := uuid.New()
	p := &domain.Payout{
		ID:            id,
		CreatorID:     params.CreatorID,
		AmountMinor:   params.AmountMinor,
		Currency:      params.Currency,
		Country:       params.Country,
		Status:        params.Entry.Status,
		StatusHistory: []domain.StatusEntry{params.Entry},
		Reason:        params.Reason,
		BankDetails:   params.BankDetails,
		RootPayoutID:  id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if params.Reference != "" {
		ref := params.Reference
		p.Reference = &ref
	}
	r.payouts[id] = p
	return clonePayout(p), nil
}

func (r *memRepo) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	return clonePayout(p), nil
}

func (r *memRepo) FindPayoutByReference(ctx context.Context, creatorID, reference string) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payouts {
		if p.CreatorID == creatorID && p.Reference != nil && *p.Reference == reference {
			return clonePayout(p), nil
		}
	}
	return nil, store.ErrPayoutNotFound
}

func (r *memRepo) FindPayoutByProviderTransferID(ctx context.Context, providerTransferID string) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payouts {
		if p.ProviderTransferID != nil && *p.ProviderTransferID == providerTransferID {
			return clonePayout(p), nil
		}
	}
	return nil, store.ErrPayoutNotFound
}

func (r *memRepo) ListPayoutsByCreator(ctx context.Context, creatorID string, limit int) ([]domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Payout, 0)
	for _, p := range r.payouts {
		if p.CreatorID == creatorID && p.DeletedAt == nil {
			out = append(out, *clonePayout(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListStalePayouts(ctx context.Context, statuses []domain.PayoutStatus, updatedBefore time.Time, limit int) ([]domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Payout, 0)
	for _, p := range r.payouts {
		if p.DeletedAt == nil && slices.Contains(statuses, p.Status) && p.UpdatedAt.Before(updatedBefore) {
			out = append(out, *clonePayout(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) TransitionPayout(ctx context.Context, params store.TransitionParams) (*domain.Payout, error) {
	if r.beforeTransition != nil {
		r.beforeTransition(params)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(params)
}

func (r *memRepo) transitionLocked(params store.TransitionParams) (*domain.Payout, error) {
	p, ok := r.payouts[params.PayoutID]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	if !slices.Contains(params.From, p.Status) {
		return nil, store.ErrStaleTransition
	}
	p.Status = params.Entry.Status
	p.StatusHistory = append(p.StatusHistory, params.Entry)
	if params.Rail != nil {
		rail := *params.Rail
		p.Rail = &rail
	}
	if params.RecipientID != nil {
		id := *params.RecipientID
		p.RecipientID = &id
	}
	if params.FeeMinor != nil {
		fee := *params.FeeMinor
		p.FeeMinor = &fee
	}
	if params.LastError != nil {
		msg := *params.LastError
		p.LastError = &msg
	}
	if params.LastErrorRetryable != nil {
		p.LastErrorRetryable = *params.LastErrorRetryable
	}
	p.UpdatedAt = time.Now().UTC()
	return clonePayout(p), nil
}

func (r *memRepo) AttachProviderTransfer(ctx context.Context, payoutID uuid.UUID, providerTransferID string, feeMinor *int64) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok {
		return nil, store.ErrPayoutNotFound
	}
	if p.ProviderTransferID != nil {
		return clonePayout(p), store.ErrTransferAlreadyAttached
	}
	if p.Status != domain.StatusTransferCreating {
		return clonePayout(p), store.ErrStaleTransition
	}
	for _, other := range r.payouts {
		if other.ProviderTransferID != nil && *other.ProviderTransferID == providerTransferID {
			return nil, store.ErrProviderTransferInUse
		}
	}
	id := providerTransferID
	p.ProviderTransferID = &id
	if feeMinor != nil {
		fee := *feeMinor
		p.FeeMinor = &fee
	}
	p.UpdatedAt = time.Now().UTC()
	return clonePayout(p), nil
}

func (r *memRepo) CreateRetryPayout(ctx context.Context, originalID uuid.UUID) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	original, ok := r.payouts[originalID]
	if !ok || original.DeletedAt != nil {
		return nil, store.ErrPayoutNotFound
	}
	if original.RetriedBy != nil {
		return nil, store.ErrPayoutAlreadyRetried
	}
	if original.Status != domain.StatusFailed || !original.LastErrorRetryable {
		return nil, store.ErrPayoutNotRetryable
	}

	now := time.Now().UTC()
	id := uuid.New()
	retryOf := original.ID
	retry := &domain.Payout{
		ID:          id,
		CreatorID:   original.CreatorID,
		AmountMinor: original.AmountMinor,
		Currency:    original.Currency,
		Country:     original.Country,
		Status:      domain.StatusPending,
		StatusHistory: []domain.StatusEntry{{
			Status:    domain.StatusPending,
			Timestamp: now,
			Source:    domain.SourceEngine,
			Reason:    "retry of " + original.ID.String(),
		}},
		Reason:       original.Reason,
		BankDetails:  original.BankDetails,
		RetryOf:      &retryOf,
		RootPayoutID: original.RootPayoutID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.payouts[id] = retry
	original.RetriedBy = &id
	return clonePayout(retry), nil
}

func (r *memRepo) SoftDeletePayout(ctx context.Context, payoutID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok || p.DeletedAt != nil {
		return store.ErrPayoutNotFound
	}
	if !p.Status.Terminal() {
		return store.ErrPayoutNotTerminal
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	return nil
}

func (r *memRepo) ApplyWebhookEvent(ctx context.Context, params store.ApplyWebhookEventParams) (*domain.Payout, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.markers[params.Marker.ProviderEventID]; ok {
		return nil, store.ErrDuplicateEvent
	}
	var (
		payout *domain.Payout
		err    error
	)
	if params.Transition != nil {
		payout, err = r.transitionLocked(*params.Transition)
	} else if p, ok := r.payouts[params.Marker.PayoutID]; ok {
		payout = clonePayout(p)
	} else {
		err = store.ErrPayoutNotFound
	}
	if err != nil {
		return nil, err
	}
	r.markers[params.Marker.ProviderEventID] = params.Marker
	return payout, nil
}

func (r *memRepo) FindRecipient(ctx context.Context, creatorID, normalizedDetailHash string, rail domain.Rail) (*domain.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recipients {
		if rec.CreatorID == creatorID && rec.NormalizedDetailHash == normalizedDetailHash && rec.Rail == rail {
			c := *rec
			return &c, nil
		}
	}
	return nil, store.ErrRecipientNotFound
}

func (r *memRepo) CreateRecipient(ctx context.Context, recipient domain.Recipient) (*domain.Recipient, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recipients {
		if rec.CreatorID == recipient.CreatorID && rec.NormalizedDetailHash == recipient.NormalizedDetailHash && rec.Rail == recipient.Rail {
			c := *rec
			return &c, false, nil
		}
	}
	if recipient.ID == uuid.Nil {
		recipient.ID = uuid.New()
	}
	recipient.CreatedAt = time.Now().UTC()
	stored := recipient
	r.recipients[recipient.ID] = &stored
	return &recipient, true, nil
}

func (r *memRepo) payoutCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payouts)
}

func (r *memRepo) setUpdatedAt(t *testing.T, payoutID uuid.UUID, at time.Time) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payouts[payoutID]
	if !ok {
		t.Fatalf("payout %s not found", payoutID)
	}
	p.UpdatedAt = at
}

func (r *memRepo) mustGet(t *testing.T, payoutID uuid.UUID) *domain.Payout {
	t.Helper()
	p, err := r.FindPayoutByID(context.Background(), payoutID)
	if err != nil {
		t.Fatalf("FindPayoutByID(%s): %v", payoutID, err)
	}
	return p
}

// fakeProvider is a scriptable rail. Transfers are idempotent on the idempotency key.
type fakeProvider struct {
	mu sync.Mutex

	recipientCalls  int
	transferCalls   int
	getCalls        int
	inFlight        int
	maxInFlight     int
	transferDelay   time.Duration
	idempotencyKeys []string

	recipientErr   func(call int) error
	transferErr    func(call int) error
	transferStatus string
	fee            *decimal.Decimal
	getStatus      string

	transfersByKey map[string]string
	nextID         int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{transferStatus: "processing", transfersByKey: make(map[string]string)}
}

func (f *fakeProvider) CreateRecipient(ctx context.Context, req railclient.CreateRecipientRequest) (*railclient.Recipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recipientCalls++
	if f.recipientErr != nil {
		if err := f.recipientErr(f.recipientCalls); err != nil {
			return nil, err
		}
	}
	f.nextID++
	return &railclient.Recipient{ID: fmt.Sprintf("rcp_%d", f.nextID)}, nil
}

func (f *fakeProvider) CreateTransfer(ctx context.Context, req railclient.CreateTransferRequest) (*railclient.Transfer, error) {
	f.mu.Lock()
	f.transferCalls++
	call := f.transferCalls
	f.idempotencyKeys = append(f.idempotencyKeys, req.IdempotencyKey)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.transferDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.transferErr != nil {
		if err := f.transferErr(call); err != nil {
			return nil, err
		}
	}
	id, ok := f.transfersByKey[req.IdempotencyKey]
	if !ok {
		f.nextID++
		id = fmt.Sprintf("tr_%d", f.nextID)
		f.transfersByKey[req.IdempotencyKey] = id
	}
	return &railclient.Transfer{ID: id, Status: f.transferStatus, Currency: req.Currency, Fee: f.fee}, nil
}

func (f *fakeProvider) GetTransfer(ctx context.Context, transferID string) (*railclient.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return &railclient.Transfer{ID: transferID, Status: f.getStatus}, nil
}

func (f *fakeProvider) counts() (recipients, transfers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recipientCalls, f.transferCalls
}

func unavailable(call int) error {
	return &railclient.ProviderError{Rail: "test", Operation: "create_transfer", StatusCode: http.StatusServiceUnavailable}
}

// fakePublisher records published routing keys.
type fakePublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.keys)
}

type testEnv struct {
	repo      *memRepo
	provider  *fakeProvider
	publisher *fakePublisher
	events    *EventPublisher
	providers Providers
	service   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	catalog, err := LoadRailCatalog("")
	if err != nil {
		t.Fatalf("LoadRailCatalog: %v", err)
	}
	env := &testEnv{
		repo:      newMemRepo(),
		provider:  newFakeProvider(),
		publisher: &fakePublisher{},
	}
	env.events = NewEventPublisher(env.publisher, "", testLogger())
	env.providers = Providers{domain.RailA: env.provider, domain.RailB: env.provider}
	env.service = NewService(env.repo, catalog, env.providers, env.events, ServiceConfig{
		Retry:                   fastPolicy(),
		BatchMaxConcurrent:      5,
		BatchMaxConcurrentLimit: 20,
		BatchMaxItems:           10,
	}, testLogger())
	return env
}

func ngnRequest(creatorID string) domain.PayoutRequest {
	return domain.PayoutRequest{
		CreatorID: creatorID,
		Amount:    "50.00",
		Currency:  "NGN",
		BankDetails: domain.BankDetails{
			AccountNumber:     "0123456789",
			BankCode:          "058",
			AccountHolderName: "Ada Obi",
			Country:           "NG",
		},
		Reason: "September earnings",
	}
}

func usdRequest(creatorID string) domain.PayoutRequest {
	return domain.PayoutRequest{
		CreatorID: creatorID,
		Amount:    "120.50",
		Currency:  "USD",
		BankDetails: domain.BankDetails{
			AccountNumber:     "000123456789",
			BankCode:          "110000000",
			AccountHolderName: "Sam Lee",
			Country:           "US",
		},
	}
}

func lastEntry(p *domain.Payout) domain.StatusEntry {
	return p.StatusHistory[len(p.StatusHistory)-1]
}
