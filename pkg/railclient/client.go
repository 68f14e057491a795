/**
 * @description
 * This package provides clients for the two payout rails: the hosted connected-account
 * rail and the direct bank-transfer rail. Both share one HTTP core that handles
 * authentication, JSON encoding and mapping of non-2xx responses into *ProviderError.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http: Standard Go libraries.
 * - github.com/shopspring/decimal: Decimal amounts on the bank-transfer rail.
 */
package railclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CreateRecipientRequest carries the destination details a rail needs to register a payee.
type CreateRecipientRequest struct {
	CreatorID         string
	AccountHolderName string
	AccountNumber     string
	BankCode          string
	Country           string
	Currency          string
}

// Recipient is a payee registered at a rail.
type Recipient struct {
	ID string
}

// CreateTransferRequest moves funds to a registered recipient. IdempotencyKey must be stable
// across retries of the same logical payout so the rail can collapse duplicates.
type CreateTransferRequest struct {
	IdempotencyKey string
	RecipientID    string
	AmountMinor    int64
	Amount         decimal.Decimal
	Currency       string
	Reference      string
}

// Transfer is a rail-side money movement. Status is the rail's raw state string.
// Fee is expressed in major units of Currency.
type Transfer struct {
	ID       string
	Status   string
	Currency string
	Fee      *decimal.Decimal
}

// ProviderError is a non-2xx response from a rail.
type ProviderError struct {
	Rail       string
	Operation  string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s %s failed: status %d: %s (%s)", e.Rail, e.Operation, e.StatusCode, msg, e.Code)
	}
	return fmt.Sprintf("%s %s failed: status %d: %s", e.Rail, e.Operation, e.StatusCode, msg)
}

// Temporary reports whether the rail signalled a condition that may clear on retry.
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Validation reports whether the rail rejected the request content itself.
func (e *ProviderError) Validation() bool {
	if e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity {
		return true
	}
	code := strings.ToLower(e.Code)
	return strings.Contains(code, "validation") || strings.Contains(code, "invalid")
}

// ErrAmbiguousResponse matches every *AmbiguousResponseError.
var ErrAmbiguousResponse = errors.New("ambiguous provider response")

// AmbiguousResponseError is a 2xx reply the client could not use. The rail may have acted on
// the request, so the outcome is unknown and the call must be repeated with the same
// idempotency key rather than recorded as a failure.
type AmbiguousResponseError struct {
	Rail      string
	Operation string
	Reason    string
	Err       error
}

func (e *AmbiguousResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: ambiguous response: %s: %v", e.Rail, e.Operation, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s: ambiguous response: %s", e.Rail, e.Operation, e.Reason)
}

func (e *AmbiguousResponseError) Unwrap() error { return e.Err }

func (e *AmbiguousResponseError) Is(target error) bool { return target == ErrAmbiguousResponse }

func (e *AmbiguousResponseError) Retryable() bool { return true }

// errorEnvelope accepts both error body shapes the rails use.
type errorEnvelope struct {
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Path    string `json:"path"`
	} `json:"errors"`
}

// client is the HTTP core shared by both rails.
type client struct {
	rail       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func newClient(rail, baseURL, apiKey string, timeout time.Duration) client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return client{
		rail:       rail,
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default().With("component", "rail_client", "rail", rail),
	}
}

func (c *client) do(ctx context.Context, op, method, path string, headers map[string]string, body, target any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: encode request: %w", c.rail, op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", c.rail, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: request failed: %w", c.rail, op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", c.rail, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		providerErr := &ProviderError{Rail: c.rail, Operation: op, StatusCode: resp.StatusCode}
		var envelope errorEnvelope
		if json.Unmarshal(bodyBytes, &envelope) == nil {
			switch {
			case envelope.Error != nil:
				providerErr.Code = envelope.Error.Code
				if providerErr.Code == "" {
					providerErr.Code = envelope.Error.Type
				}
				providerErr.Message = envelope.Error.Message
			case len(envelope.Errors) > 0:
				providerErr.Code = envelope.Errors[0].Code
				providerErr.Message = envelope.Errors[0].Message
			}
		}
		c.logger.Warn("non-2xx response", "op", op, "status", resp.StatusCode, "code", providerErr.Code, "message", providerErr.Message)
		return providerErr
	}

	if target == nil || len(bodyBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, target); err != nil {
		c.logger.Warn("undecodable 2xx response", "op", op, "status", resp.StatusCode, "body_bytes", len(bodyBytes), "error", err)
		return &AmbiguousResponseError{Rail: c.rail, Operation: op, Reason: "undecodable body", Err: err}
	}
	return nil
}

// requireID rejects a 2xx reply that did not name the resource it created.
func (c *client) requireID(op, id string) error {
	if strings.TrimSpace(id) != "" {
		return nil
	}
	c.logger.Warn("2xx response without resource id", "op", op)
	return &AmbiguousResponseError{Rail: c.rail, Operation: op, Reason: "missing id"}
}

// flexibleID decodes ids that may arrive as JSON numbers or strings.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}
