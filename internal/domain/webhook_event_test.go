package domain

import (
	"errors"
	"testing"
)

func TestParseWebhookEvent_TransferStateChange(t *testing.T) {
	raw := []byte(`{
		"event_type": "transfers#state-change",
		"data": {
			"resource": {"type": "transfer", "id": 987654},
			"current_state": "Outgoing_Payment_Sent",
			"previous_state": "processing",
			"occurred_at": "2024-05-01T10:00:00Z"
		}
	}`)

	event, err := ParseWebhookEvent(raw)
	if err != nil {
		t.Fatalf("ParseWebhookEvent returned error: %v", err)
	}
	change, ok := event.(TransferStateChange)
	if !ok {
		t.Fatalf("expected TransferStateChange, got %T", event)
	}
	if change.ResourceID != "987654" {
		t.Fatalf("expected resource id 987654, got %q", change.ResourceID)
	}
	if change.CurrentState != "outgoing_payment_sent" {
		t.Fatalf("expected normalized state, got %q", change.CurrentState)
	}
	if change.OccurredAt.IsZero() {
		t.Fatal("expected occurred_at to be parsed")
	}
	if rail, _ := EventRail(event); rail != RailB {
		t.Fatalf("expected bank transfer rail, got %q", rail)
	}
}

func TestParseWebhookEvent_BodyHashStandsInForMissingID(t *testing.T) {
	raw := []byte(`{"event_type":"transfers#state-change","data":{"resource":{"id":"tr_1"},"current_state":"processing"}}`)

	first, err := ParseWebhookEvent(raw)
	if err != nil {
		t.Fatalf("ParseWebhookEvent returned error: %v", err)
	}
	second, err := ParseWebhookEvent(raw)
	if err != nil {
		t.Fatalf("ParseWebhookEvent returned error: %v", err)
	}
	if first.EventID() == "" || first.EventID() != second.EventID() {
		t.Fatalf("expected stable derived id, got %q and %q", first.EventID(), second.EventID())
	}
}

func TestParseWebhookEvent_PayoutOutcome(t *testing.T) {
	raw := []byte(`{"id":"evt_123","type":"payout.failed","created":1714557600,"data":{"object":{"id":"po_9","status":"failed","failure_code":"account_closed"}}}`)

	event, err := ParseWebhookEvent(raw)
	if err != nil {
		t.Fatalf("ParseWebhookEvent returned error: %v", err)
	}
	outcome, ok := event.(PayoutOutcome)
	if !ok {
		t.Fatalf("expected PayoutOutcome, got %T", event)
	}
	if outcome.EventID() != "evt_123" || ResourceID(event) != "po_9" || ProviderState(event) != "failed" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.FailureCode != "account_closed" {
		t.Fatalf("expected failure code, got %q", outcome.FailureCode)
	}
}

func TestParseWebhookEvent_UnknownType(t *testing.T) {
	event, err := ParseWebhookEvent([]byte(`{"id":"evt_1","event_type":"balances#credit","data":{}}`))
	if err != nil {
		t.Fatalf("ParseWebhookEvent returned error: %v", err)
	}
	if _, ok := event.(UnknownEvent); !ok {
		t.Fatalf("expected UnknownEvent, got %T", event)
	}
	if _, ok := EventRail(event); ok {
		t.Fatal("unknown events should not map to a rail")
	}
}

func TestParseWebhookEvent_Malformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"data":{}}`} {
		if _, err := ParseWebhookEvent([]byte(raw)); !errors.Is(err, ErrMalformedWebhook) {
			t.Fatalf("expected ErrMalformedWebhook for %q, got %v", raw, err)
		}
	}
}
