package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/payout-service/internal/domain"
)

// BatchRunner is the part of the engine the batch consumer drives.
type BatchRunner interface {
	RunBatch(ctx context.Context, requests []domain.PayoutRequest, maxConcurrent int) ([]domain.PayoutResult, error)
}

// BatchRequestConsumer turns payout.batch.requested messages into batch runs.
type BatchRequestConsumer struct {
	runner  BatchRunner
	events  *EventPublisher
	timeout time.Duration
	logger  *slog.Logger
}

func NewBatchRequestConsumer(runner BatchRunner, events *EventPublisher, logger *slog.Logger) *BatchRequestConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchRequestConsumer{
		runner:  runner,
		events:  events,
		timeout: 30 * time.Minute,
		logger:  logger.With("component", "batch_consumer"),
	}
}

// HandleMessage returns true when the message should be acknowledged. Malformed or invalid
// batches are dropped; they would fail the same way on redelivery.
func (c *BatchRequestConsumer) HandleMessage(body []byte) bool {
	var event domain.BatchRequestedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal batch request", "error", err)
		return true
	}
	if len(event.Items) == 0 {
		c.logger.Warn("batch request has no items", "batch_id", event.BatchID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	results, err := c.runner.RunBatch(ctx, event.Items, event.MaxConcurrent)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			c.logger.Warn("batch request rejected", "batch_id", event.BatchID, "error", err)
			return true
		}
		c.logger.Error("batch request failed", "batch_id", event.BatchID, "error", err)
		return false
	}

	c.logger.Info("batch request processed", "batch_id", event.BatchID, "items", len(results))
	c.events.BatchCompleted(ctx, event.BatchID, results)
	return true
}
