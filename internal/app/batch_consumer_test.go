package app

import (
	"context"
	"errors"
	"testing"

	"github.com/transfa/payout-service/internal/domain"
)

type stubBatchRunner struct {
	calls   int
	results []domain.PayoutResult
	err     error
}

func (s *stubBatchRunner) RunBatch(ctx context.Context, requests []domain.PayoutRequest, maxConcurrent int) ([]domain.PayoutResult, error) {
	s.calls++
	return s.results, s.err
}

func TestBatchRequestConsumer_HandleMessage(t *testing.T) {
	publisher := &fakePublisher{}
	events := NewEventPublisher(publisher, "", testLogger())

	cases := []struct {
		name      string
		body      string
		runnerErr error
		wantAck   bool
		wantCalls int
	}{
		{name: "malformed payload is dropped", body: `{`, wantAck: true},
		{name: "empty batch is dropped", body: `{"batch_id":"b1","items":[]}`, wantAck: true},
		{name: "valid batch runs", body: `{"batch_id":"b2","items":[{"creator_id":"c1","amount":"5","currency":"NGN"}]}`, wantAck: true, wantCalls: 1},
		{name: "rejected batch is dropped", body: `{"batch_id":"b3","items":[{"creator_id":"c1"}]}`, runnerErr: &ValidationError{Field: "items", Message: "too many"}, wantAck: true, wantCalls: 1},
		{name: "infrastructure failure requeues", body: `{"batch_id":"b4","items":[{"creator_id":"c1"}]}`, runnerErr: errors.New("db down"), wantAck: false, wantCalls: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &stubBatchRunner{err: tc.runnerErr, results: []domain.PayoutResult{{Index: 0, Success: true}}}
			consumer := NewBatchRequestConsumer(runner, events, testLogger())
			if got := consumer.HandleMessage([]byte(tc.body)); got != tc.wantAck {
				t.Fatalf("HandleMessage() = %t, want %t", got, tc.wantAck)
			}
			if runner.calls != tc.wantCalls {
				t.Fatalf("expected %d runner calls, got %d", tc.wantCalls, runner.calls)
			}
		})
	}

	keys := publisher.published()
	if len(keys) != 1 || keys[0] != RoutingKeyBatchCompleted {
		t.Fatalf("expected one batch completed event, got %v", keys)
	}
}
