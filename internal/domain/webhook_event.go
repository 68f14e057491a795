package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Webhook event types the reconciler understands.
const (
	EventTransferStateChange = "transfers#state-change"
	EventPayoutPaid          = "payout.paid"
	EventPayoutFailed        = "payout.failed"
	EventPayoutCanceled      = "payout.canceled"
	EventPayoutUpdated       = "payout.updated"
)

var ErrMalformedWebhook = errors.New("malformed webhook payload")

// WebhookEvent is a parsed provider callback. The set of implementations is closed:
// TransferStateChange, PayoutOutcome and UnknownEvent.
type WebhookEvent interface {
	EventID() string
	EventType() string
	isWebhookEvent()
}

// TransferStateChange is the bank-transfer rail's state-change notification.
type TransferStateChange struct {
	ID            string
	Type          string
	ResourceID    string
	CurrentState  string
	PreviousState string
	OccurredAt    time.Time
}

func (e TransferStateChange) EventID() string   { return e.ID }
func (e TransferStateChange) EventType() string { return e.Type }
func (TransferStateChange) isWebhookEvent()     {}

// PayoutOutcome is the connected-account rail's payout notification.
type PayoutOutcome struct {
	ID             string
	Type           string
	ResourceID     string
	Status         string
	FailureCode    string
	FailureMessage string
	OccurredAt     time.Time
}

func (e PayoutOutcome) EventID() string   { return e.ID }
func (e PayoutOutcome) EventType() string { return e.Type }
func (PayoutOutcome) isWebhookEvent()     {}

// UnknownEvent is any callback type this service does not act on.
type UnknownEvent struct {
	ID   string
	Type string
}

func (e UnknownEvent) EventID() string   { return e.ID }
func (e UnknownEvent) EventType() string { return e.Type }
func (UnknownEvent) isWebhookEvent()     {}

// EventRail returns the rail a known event belongs to.
func EventRail(event WebhookEvent) (Rail, bool) {
	switch event.(type) {
	case TransferStateChange:
		return RailB, true
	case PayoutOutcome:
		return RailA, true
	default:
		return "", false
	}
}

// ResourceID returns the provider transfer id a known event refers to.
func ResourceID(event WebhookEvent) string {
	switch e := event.(type) {
	case TransferStateChange:
		return e.ResourceID
	case PayoutOutcome:
		return e.ResourceID
	default:
		return ""
	}
}

// ProviderState returns the raw provider-side state a known event reports.
func ProviderState(event WebhookEvent) string {
	switch e := event.(type) {
	case TransferStateChange:
		return e.CurrentState
	case PayoutOutcome:
		return e.Status
	default:
		return ""
	}
}

type webhookEnvelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Type      string          `json:"type"`
	SentAt    string          `json:"sent_at"`
	Created   int64           `json:"created"`
	Data      json.RawMessage `json:"data"`
}

// flexibleID accepts both numeric and string resource ids.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, "\"") {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

type stateChangeData struct {
	Resource struct {
		ID flexibleID `json:"id"`
	} `json:"resource"`
	CurrentState  string `json:"current_state"`
	PreviousState string `json:"previous_state"`
	OccurredAt    string `json:"occurred_at"`
}

type payoutOutcomeData struct {
	Object struct {
		ID             string `json:"id"`
		Status         string `json:"status"`
		FailureCode    string `json:"failure_code"`
		FailureMessage string `json:"failure_message"`
	} `json:"object"`
}

// ParseWebhookEvent decodes a raw callback body into one of the known variants. When the
// envelope carries no id, the sha256 of the raw body stands in so redeliveries still dedupe.
func ParseWebhookEvent(raw []byte) (WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}

	eventID := strings.TrimSpace(env.ID)
	if eventID == "" {
		sum := sha256.Sum256(raw)
		eventID = "sha256:" + hex.EncodeToString(sum[:])
	}

	eventType := strings.TrimSpace(env.EventType)
	if eventType == "" {
		eventType = strings.TrimSpace(env.Type)
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedWebhook)
	}

	switch eventType {
	case EventTransferStateChange:
		var data stateChangeData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		occurred, _ := time.Parse(time.RFC3339, data.OccurredAt)
		return TransferStateChange{
			ID:            eventID,
			Type:          eventType,
			ResourceID:    string(data.Resource.ID),
			CurrentState:  strings.ToLower(strings.TrimSpace(data.CurrentState)),
			PreviousState: strings.ToLower(strings.TrimSpace(data.PreviousState)),
			OccurredAt:    occurred,
		}, nil
	case EventPayoutPaid, EventPayoutFailed, EventPayoutCanceled, EventPayoutUpdated:
		var data payoutOutcomeData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
		}
		var occurred time.Time
		if env.Created > 0 {
			occurred = time.Unix(env.Created, 0).UTC()
		}
		return PayoutOutcome{
			ID:             eventID,
			Type:           eventType,
			ResourceID:     data.Object.ID,
			Status:         strings.ToLower(strings.TrimSpace(data.Object.Status)),
			FailureCode:    data.Object.FailureCode,
			FailureMessage: data.Object.FailureMessage,
			OccurredAt:     occurred,
		}, nil
	default:
		return UnknownEvent{ID: eventID, Type: eventType}, nil
	}
}
