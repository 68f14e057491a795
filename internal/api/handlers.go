/**
 * @description
 * This file contains the HTTP handlers for the payout-service's API endpoints.
 * Handlers parse incoming requests, call the payout engine and write the HTTP
 * response. Engine errors are mapped to status codes in one place, writeServiceError.
 *
 * @dependencies
 * - encoding/json, log/slog, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain: For the engine and its error taxonomy.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/domain"
)

const maxRequestBodyBytes = 1 << 20

// PayoutService is the part of the engine the HTTP layer drives.
type PayoutService interface {
	CreatePayout(ctx context.Context, req domain.PayoutRequest) (*domain.Payout, error)
	RunBatch(ctx context.Context, requests []domain.PayoutRequest, maxConcurrent int) ([]domain.PayoutResult, error)
	GetPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	ListPayouts(ctx context.Context, creatorID string, limit int) ([]domain.Payout, error)
	RetryPayout(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error)
	DeletePayout(ctx context.Context, payoutID uuid.UUID) error
}

// PayoutHandlers holds the engine the handlers use.
type PayoutHandlers struct {
	service PayoutService
	logger  *slog.Logger
}

type createPayoutResponse struct {
	PayoutID string              `json:"payout_id"`
	Status   domain.PayoutStatus `json:"status"`
}

type batchPayoutRequest struct {
	Items         []domain.PayoutRequest `json:"items"`
	MaxConcurrent int                    `json:"max_concurrent,omitempty"`
}

type batchPayoutResponse struct {
	Results []domain.PayoutResult `json:"results"`
}

type listPayoutsResponse struct {
	Payouts []domain.Payout `json:"payouts"`
}

// errorResponse carries the payout id when a row was written before the failure.
type errorResponse struct {
	Error     string  `json:"error"`
	Field     string  `json:"field,omitempty"`
	PayoutID  *string `json:"payout_id,omitempty"`
	Retryable *bool   `json:"retryable,omitempty"`
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(service PayoutService, logger *slog.Logger) *PayoutHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &PayoutHandlers{service: service, logger: logger.With("component", "api")}
}

// CreatePayoutHandler handles POST /payouts.
func (h *PayoutHandlers) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.PayoutRequest
	if !h.decode(w, r, "create_payout", &req) {
		return
	}

	payout, err := h.service.CreatePayout(r.Context(), req)
	if err != nil {
		h.logger.Warn("payout request failed", "endpoint", "create_payout", "creator_id", req.CreatorID, "error", err)
		h.writeServiceError(w, payout, err)
		return
	}

	status := http.StatusCreated
	if payout.Status == domain.StatusFailed || payout.Status == domain.StatusCancelled {
		// A reused reference can point at a payout that already ended badly.
		status = http.StatusOK
	}
	h.writeJSON(w, status, createPayoutResponse{PayoutID: payout.ID.String(), Status: payout.Status})
}

// BatchPayoutHandler handles POST /payouts/batch. Per-item failures are reported in the
// results, so the response is 200 whenever the batch itself was accepted.
func (h *PayoutHandlers) BatchPayoutHandler(w http.ResponseWriter, r *http.Request) {
	var req batchPayoutRequest
	if !h.decode(w, r, "batch_payout", &req) {
		return
	}

	results, err := h.service.RunBatch(r.Context(), req.Items, req.MaxConcurrent)
	if err != nil {
		h.logger.Warn("batch request failed", "endpoint", "batch_payout", "items", len(req.Items), "error", err)
		h.writeServiceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, batchPayoutResponse{Results: results})
}

// GetPayoutHandler handles GET /payouts/{id}.
func (h *PayoutHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.payoutID(w, r)
	if !ok {
		return
	}
	payout, err := h.service.GetPayout(r.Context(), payoutID)
	if err != nil {
		h.writeServiceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusOK, payout)
}

// ListPayoutsHandler handles GET /payouts?creator_id=&limit=.
func (h *PayoutHandlers) ListPayoutsHandler(w http.ResponseWriter, r *http.Request) {
	creatorID := strings.TrimSpace(r.URL.Query().Get("creator_id"))
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	payouts, err := h.service.ListPayouts(r.Context(), creatorID, limit)
	if err != nil {
		h.writeServiceError(w, nil, err)
		return
	}
	if payouts == nil {
		payouts = []domain.Payout{}
	}
	h.writeJSON(w, http.StatusOK, listPayoutsResponse{Payouts: payouts})
}

// RetryPayoutHandler handles POST /payouts/{id}/retry. The retry runs in the background,
// so the new payout is returned as accepted.
func (h *PayoutHandlers) RetryPayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.payoutID(w, r)
	if !ok {
		return
	}
	retry, err := h.service.RetryPayout(r.Context(), payoutID)
	if err != nil {
		h.logger.Info("payout retry rejected", "endpoint", "retry_payout", "payout_id", payoutID, "error", err)
		h.writeServiceError(w, nil, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, retry)
}

// DeletePayoutHandler handles DELETE /payouts/{id}.
func (h *PayoutHandlers) DeletePayoutHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := h.payoutID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeletePayout(r.Context(), payoutID); err != nil {
		h.writeServiceError(w, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PayoutHandlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		h.logger.Warn("invalid request body", "endpoint", endpoint, "error", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *PayoutHandlers) payoutID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	payoutID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid payout ID")
		return uuid.Nil, false
	}
	return payoutID, true
}

// writeServiceError maps engine errors to HTTP statuses. payout is the row written before
// the failure, if any.
func (h *PayoutHandlers) writeServiceError(w http.ResponseWriter, payout *domain.Payout, err error) {
	resp := errorResponse{Error: err.Error()}
	if payout != nil {
		id := payout.ID.String()
		resp.PayoutID = &id
	}

	var (
		validationErr *app.ValidationError
		corridorErr   *app.CorridorError
		providerErr   *app.ProviderFailure
	)
	switch {
	case errors.As(err, &validationErr):
		resp.Field = validationErr.Field
		h.writeJSON(w, http.StatusBadRequest, resp)
	case errors.As(err, &corridorErr):
		h.writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.As(err, &providerErr):
		retryable := providerErr.Retryable
		resp.Retryable = &retryable
		h.writeJSON(w, http.StatusBadGateway, resp)
	case errors.Is(err, app.ErrPayoutNotFound):
		h.writeError(w, http.StatusNotFound, "Payout not found")
	case errors.Is(err, app.ErrNotRetryable), errors.Is(err, app.ErrAlreadyRetried), errors.Is(err, app.ErrNotTerminal):
		h.writeJSON(w, http.StatusConflict, resp)
	default:
		h.logger.Error("unhandled service error", "error", err)
		resp.Error = "Internal server error"
		h.writeJSON(w, http.StatusInternalServerError, resp)
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
