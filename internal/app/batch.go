package app

import (
	"context"
	"fmt"
	"strconv"

	"github.com/transfa/payout-service/internal/domain"
	"golang.org/x/sync/errgroup"
)

// RunBatch disburses every request with at most maxConcurrent in flight. It returns one
// result per request in input order, and one item's failure never stops its siblings.
func (s *Service) RunBatch(ctx context.Context, requests []domain.PayoutRequest, maxConcurrent int) ([]domain.PayoutResult, error) {
	if len(requests) == 0 {
		return nil, &ValidationError{Field: "items", Message: "must contain at least one payout"}
	}
	if len(requests) > s.batch.BatchMaxItems {
		return nil, &ValidationError{Field: "items", Message: fmt.Sprintf("must contain at most %d payouts", s.batch.BatchMaxItems)}
	}

	limit := s.concurrencyLimit(maxConcurrent)
	results := make([]domain.PayoutResult, len(requests))
	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(limit)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			results[i] = s.runBatchItem(detached, i, req)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}
	s.logger.Info("batch finished", "items", len(requests), "succeeded", succeeded, "max_concurrent", limit)
	return results, nil
}

func (s *Service) concurrencyLimit(requested int) int {
	limit := requested
	if limit <= 0 {
		limit = s.batch.BatchMaxConcurrent
	}
	if limit > s.batch.BatchMaxConcurrentLimit {
		limit = s.batch.BatchMaxConcurrentLimit
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (s *Service) runBatchItem(ctx context.Context, index int, req domain.PayoutRequest) (result domain.PayoutResult) {
	result.Index = index
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("batch item panicked", "index", index, "panic", r)
			retryable := false
			result.Success = false
			result.Retryable = &retryable
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
		batchItemsTotal.WithLabelValues(strconv.FormatBool(result.Success)).Inc()
	}()

	payout, err := s.CreatePayout(ctx, req)
	if payout != nil {
		id := payout.ID
		result.PayoutID = &id
		result.Status = payout.Status
	}
	if err != nil {
		retryable := IsRetryable(err)
		result.Retryable = &retryable
		result.Error = err.Error()
		return result
	}
	if payout.Status == domain.StatusFailed || payout.Status == domain.StatusCancelled {
		retryable := payout.LastErrorRetryable
		result.Retryable = &retryable
		if payout.LastError != nil {
			result.Error = *payout.LastError
		}
		return result
	}
	result.Success = true
	return result
}
