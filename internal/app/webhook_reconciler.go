package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
)

const maxStaleWebhookAttempts = 3

// WebhookOutcomeKind classifies what a webhook delivery did to the ledger.
type WebhookOutcomeKind string

const (
	WebhookApplied          WebhookOutcomeKind = "applied"
	WebhookNoChange         WebhookOutcomeKind = "no_change"
	WebhookAnomaly          WebhookOutcomeKind = "anomaly"
	WebhookDuplicate        WebhookOutcomeKind = "duplicate"
	WebhookSignatureInvalid WebhookOutcomeKind = "signature_invalid"
	WebhookMalformed        WebhookOutcomeKind = "malformed"
	WebhookIgnored          WebhookOutcomeKind = "ignored"
	WebhookUnmatched        WebhookOutcomeKind = "unmatched"
	WebhookError            WebhookOutcomeKind = "error"
)

// WebhookOutcome is the result of handling one provider callback.
type WebhookOutcome struct {
	Kind     WebhookOutcomeKind
	EventID  string
	PayoutID *uuid.UUID
	Status   domain.PayoutStatus
	Err      error
}

// WebhookReconciler applies provider callbacks to the payout ledger.
type WebhookReconciler struct {
	repo   store.Repository
	secret []byte
	dedup  WebhookDeduper
	events *EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

func NewWebhookReconciler(repo store.Repository, secret string, dedup WebhookDeduper, events *EventPublisher, logger *slog.Logger) *WebhookReconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookReconciler{
		repo:   repo,
		secret: []byte(secret),
		dedup:  dedup,
		events: events,
		logger: logger.With("component", "webhook_reconciler"),
		now:    time.Now,
	}
}

// VerifySignature checks a hex HMAC-SHA256 of body, optionally prefixed with "sha256=".
func VerifySignature(secret []byte, body []byte, header string) bool {
	if len(secret) == 0 {
		return false
	}
	sig := strings.TrimSpace(header)
	if len(sig) > 7 && strings.EqualFold(sig[:7], "sha256=") {
		sig = sig[7:]
	}
	got, err := hex.DecodeString(sig)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignBody returns the hex signature providers send for body.
func SignBody(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleWebhook verifies, parses and applies one callback. It never panics on bad input
// and never mutates the ledger for an unverified body.
func (r *WebhookReconciler) HandleWebhook(ctx context.Context, rawBody []byte, signature string) WebhookOutcome {
	outcome := r.handle(ctx, rawBody, signature)
	webhookOutcomesTotal.WithLabelValues(string(outcome.Kind)).Inc()
	return outcome
}

func (r *WebhookReconciler) handle(ctx context.Context, rawBody []byte, signature string) WebhookOutcome {
	if len(r.secret) == 0 {
		r.logger.Error("webhook secret is not configured; rejecting callback")
		return WebhookOutcome{Kind: WebhookSignatureInvalid, Err: ErrSignatureInvalid}
	}
	if !VerifySignature(r.secret, rawBody, signature) {
		r.logger.Warn("webhook signature invalid", "body_bytes", len(rawBody))
		return WebhookOutcome{Kind: WebhookSignatureInvalid, Err: ErrSignatureInvalid}
	}

	event, err := domain.ParseWebhookEvent(rawBody)
	if err != nil {
		r.logger.Warn("webhook payload malformed", "error", err)
		return WebhookOutcome{Kind: WebhookMalformed, Err: err}
	}
	eventID := event.EventID()

	rail, known := domain.EventRail(event)
	if !known {
		r.logger.Info("ignoring unsupported webhook event", "provider_event_id", eventID, "event_type", event.EventType())
		return WebhookOutcome{Kind: WebhookIgnored, EventID: eventID}
	}
	providerState := domain.ProviderState(event)
	target, mapped := MapProviderState(providerState)
	if !mapped {
		r.logger.Info("ignoring unmapped provider state", "provider_event_id", eventID, "rail", rail, "provider_state", providerState)
		return WebhookOutcome{Kind: WebhookIgnored, EventID: eventID}
	}
	resourceID := domain.ResourceID(event)
	if resourceID == "" {
		r.logger.Warn("webhook event has no resource id", "provider_event_id", eventID, "rail", rail)
		return WebhookOutcome{Kind: WebhookMalformed, EventID: eventID, Err: domain.ErrMalformedWebhook}
	}

	if r.dedup != nil {
		seen, err := r.dedup.Seen(ctx, eventID)
		if err != nil {
			r.logger.Warn("webhook dedup cache unavailable; falling back to ledger", "provider_event_id", eventID, "error", err)
		} else if seen {
			r.logger.Info("duplicate webhook event", "provider_event_id", eventID, "source", "cache")
			return WebhookOutcome{Kind: WebhookDuplicate, EventID: eventID, Err: ErrDuplicateEvent}
		}
	}

	var outcome WebhookOutcome
	for attempt := 1; attempt <= maxStaleWebhookAttempts; attempt++ {
		var stale bool
		outcome, stale = r.apply(ctx, event, rail, resourceID, providerState, target)
		if !stale {
			break
		}
		r.logger.Info("webhook transition raced another writer; re-reading", "provider_event_id", eventID, "attempt", attempt)
		if attempt == maxStaleWebhookAttempts {
			outcome = WebhookOutcome{Kind: WebhookError, EventID: eventID, Err: store.ErrStaleTransition}
		}
	}

	switch outcome.Kind {
	case WebhookApplied, WebhookNoChange, WebhookAnomaly, WebhookDuplicate:
		if r.dedup != nil {
			if err := r.dedup.Mark(ctx, eventID); err != nil {
				r.logger.Warn("failed to set webhook dedup marker", "provider_event_id", eventID, "error", err)
			}
		}
	}
	return outcome
}

// apply runs one read-decide-write cycle. The boolean is true when the conditional update
// lost a race and the caller should re-read.
func (r *WebhookReconciler) apply(ctx context.Context, event domain.WebhookEvent, rail domain.Rail, resourceID, providerState string, target domain.PayoutStatus) (WebhookOutcome, bool) {
	eventID := event.EventID()

	payout, err := r.repo.FindPayoutByProviderTransferID(ctx, resourceID)
	if errors.Is(err, store.ErrPayoutNotFound) {
		r.logger.Warn("webhook for unknown transfer", "provider_event_id", eventID, "rail", rail, "provider_transfer_id", resourceID)
		return WebhookOutcome{Kind: WebhookUnmatched, EventID: eventID}, false
	}
	if err != nil {
		r.logger.Error("webhook payout lookup failed", "provider_event_id", eventID, "error", err)
		return WebhookOutcome{Kind: WebhookError, EventID: eventID, Err: err}, false
	}
	payoutID := payout.ID

	params := store.ApplyWebhookEventParams{
		Marker: store.WebhookEventMarker{
			ProviderEventID: eventID,
			PayoutID:        payout.ID,
			Rail:            rail,
			EventType:       event.EventType(),
			ProviderState:   providerState,
		},
	}

	kind := WebhookApplied
	switch {
	case payout.Status == target:
		kind = WebhookNoChange
	case payout.Status.Terminal() && target == domain.StatusProcessing:
		// Out-of-order in-flight report; only a differing terminal outcome is an anomaly.
		kind = WebhookNoChange
	case payout.Status.Terminal():
		kind = WebhookAnomaly
		webhookAnomaliesTotal.WithLabelValues(string(rail)).Inc()
		r.logger.Warn("webhook contradicts terminal payout; ledger left unchanged",
			"anomaly", true,
			"payout_id", payout.ID,
			"provider_event_id", eventID,
			"rail", rail,
			"status", payout.Status,
			"reported_status", target,
			"provider_state", providerState)
	default:
		transition := &store.TransitionParams{
			PayoutID: payout.ID,
			From:     []domain.PayoutStatus{domain.StatusTransferCreating, domain.StatusProcessing},
			Entry: domain.StatusEntry{
				Status:          target,
				Timestamp:       r.now().UTC(),
				Source:          domain.SourceWebhook,
				Reason:          "provider state " + providerState,
				ProviderEventID: eventID,
			},
		}
		if target == domain.StatusFailed {
			msg := failureMessage(event, providerState)
			retryable := false
			transition.LastError = &msg
			transition.LastErrorRetryable = &retryable
		}
		params.Transition = transition
	}

	updated, err := r.repo.ApplyWebhookEvent(ctx, params)
	switch {
	case errors.Is(err, store.ErrDuplicateEvent):
		r.logger.Info("duplicate webhook event", "provider_event_id", eventID, "payout_id", payoutID, "source", "ledger")
		return WebhookOutcome{Kind: WebhookDuplicate, EventID: eventID, PayoutID: &payoutID, Status: payout.Status, Err: ErrDuplicateEvent}, false
	case errors.Is(err, store.ErrStaleTransition):
		return WebhookOutcome{}, true
	case err != nil:
		r.logger.Error("failed to apply webhook event", "provider_event_id", eventID, "payout_id", payoutID, "error", err)
		return WebhookOutcome{Kind: WebhookError, EventID: eventID, PayoutID: &payoutID, Err: err}, false
	}

	if kind == WebhookApplied {
		payoutTransitionsTotal.WithLabelValues(string(target), string(domain.SourceWebhook)).Inc()
		r.logger.Info("payout transitioned",
			"payout_id", payoutID, "status", updated.Status, "source", domain.SourceWebhook, "provider_event_id", eventID)
		r.events.PayoutStatusChanged(ctx, updated)
	}
	return WebhookOutcome{Kind: kind, EventID: eventID, PayoutID: &payoutID, Status: updated.Status}, false
}

func failureMessage(event domain.WebhookEvent, providerState string) string {
	if outcome, ok := event.(domain.PayoutOutcome); ok {
		switch {
		case outcome.FailureMessage != "" && outcome.FailureCode != "":
			return fmt.Sprintf("%s (%s)", outcome.FailureMessage, outcome.FailureCode)
		case outcome.FailureMessage != "":
			return outcome.FailureMessage
		case outcome.FailureCode != "":
			return outcome.FailureCode
		}
	}
	return "provider reported " + providerState
}
