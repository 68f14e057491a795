package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/pkg/rabbitmq"
)

const (
	DefaultEventsExchange    = "transfa.events"
	RoutingKeyBatchRequested = "payout.batch.requested"
	RoutingKeyBatchCompleted = "payout.batch.completed"
	routingKeyStatusPrefix   = "payout.status."
	eventPublishTimeout      = 5 * time.Second
)

// EventPublisher emits payout events. Publishing is best effort: the ledger is the source of
// truth and a lost event never rolls back a transition.
type EventPublisher struct {
	producer rabbitmq.Publisher
	exchange string
	logger   *slog.Logger
}

func NewEventPublisher(producer rabbitmq.Publisher, exchange string, logger *slog.Logger) *EventPublisher {
	if exchange == "" {
		exchange = DefaultEventsExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{producer: producer, exchange: exchange, logger: logger.With("component", "event_publisher")}
}

// PayoutStatusChanged publishes the payout's latest status entry.
func (p *EventPublisher) PayoutStatusChanged(ctx context.Context, payout *domain.Payout) {
	if p == nil || p.producer == nil || payout == nil || len(payout.StatusHistory) == 0 {
		return
	}
	latest := payout.StatusHistory[len(payout.StatusHistory)-1]

	event := domain.PayoutStatusEvent{
		EventID:     fmt.Sprintf("%s:%d", payout.ID, len(payout.StatusHistory)),
		PayoutID:    payout.ID,
		CreatorID:   payout.CreatorID,
		Status:      payout.Status,
		Source:      latest.Source,
		AmountMinor: payout.AmountMinor,
		Currency:    payout.Currency,
		Reason:      latest.Reason,
		Retryable:   payout.Status == domain.StatusFailed && payout.LastErrorRetryable,
		OccurredAt:  latest.Timestamp,
	}
	if payout.Rail != nil {
		event.Rail = string(*payout.Rail)
	}
	if payout.ProviderTransferID != nil {
		event.ProviderTransferID = *payout.ProviderTransferID
	}

	p.publish(ctx, routingKeyStatusPrefix+string(payout.Status), event, "payout_id", payout.ID)
}

// BatchCompleted publishes the summary of a batch run.
func (p *EventPublisher) BatchCompleted(ctx context.Context, batchID string, results []domain.PayoutResult) {
	if p == nil || p.producer == nil {
		return
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}
	event := domain.BatchCompletedEvent{
		BatchID:     batchID,
		Results:     results,
		CompletedAt: time.Now().UTC(),
	}
	for _, result := range results {
		if result.Success {
			event.Succeeded++
		} else {
			event.Failed++
		}
	}
	p.publish(ctx, RoutingKeyBatchCompleted, event, "batch_id", batchID)
}

func (p *EventPublisher) publish(ctx context.Context, routingKey string, body any, idKey string, idValue any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventPublishTimeout)
	defer cancel()
	if err := p.producer.Publish(ctx, p.exchange, routingKey, body); err != nil {
		p.logger.Warn("failed to publish event", "routing_key", routingKey, idKey, idValue, "error", err)
	}
}
