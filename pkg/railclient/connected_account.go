package railclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ConnectedAccountClient talks to the hosted connected-account rail.
type ConnectedAccountClient struct {
	client
}

// NewConnectedAccountClient creates a client for the connected-account rail.
func NewConnectedAccountClient(baseURL, apiKey string, timeout time.Duration) *ConnectedAccountClient {
	return &ConnectedAccountClient{client: newClient("connected_account", baseURL, apiKey, timeout)}
}

type connectedRecipientRequest struct {
	Name        string `json:"name"`
	Country     string `json:"country"`
	Currency    string `json:"currency"`
	BankAccount struct {
		AccountNumber string `json:"account_number"`
		RoutingNumber string `json:"routing_number"`
	} `json:"bank_account"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type connectedPayoutRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type connectedPayoutResponse struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Currency string `json:"currency"`
	Fee      *int64 `json:"fee"`
}

// CreateRecipient registers a bank destination at the rail.
func (c *ConnectedAccountClient) CreateRecipient(ctx context.Context, req CreateRecipientRequest) (*Recipient, error) {
	payload := connectedRecipientRequest{
		Name:     req.AccountHolderName,
		Country:  req.Country,
		Currency: strings.ToLower(req.Currency),
		Metadata: map[string]string{"creator_id": req.CreatorID},
	}
	payload.BankAccount.AccountNumber = req.AccountNumber
	payload.BankAccount.RoutingNumber = req.BankCode

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_recipient", http.MethodPost, "/v1/recipients", nil, payload, &resp); err != nil {
		return nil, err
	}
	if err := c.requireID("create_recipient", resp.ID); err != nil {
		return nil, err
	}
	return &Recipient{ID: resp.ID}, nil
}

// CreateTransfer creates a payout. The Idempotency-Key header makes a repeated call with
// the same key return the original payout instead of moving money twice.
func (c *ConnectedAccountClient) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error) {
	payload := connectedPayoutRequest{
		Amount:      req.AmountMinor,
		Currency:    strings.ToLower(req.Currency),
		Destination: req.RecipientID,
		Description: req.Reference,
		Metadata:    map[string]string{"idempotency_key": req.IdempotencyKey},
	}
	headers := map[string]string{"Idempotency-Key": req.IdempotencyKey}

	var resp connectedPayoutResponse
	if err := c.do(ctx, "create_transfer", http.MethodPost, "/v1/payouts", headers, payload, &resp); err != nil {
		return nil, err
	}
	if err := c.requireID("create_transfer", resp.ID); err != nil {
		return nil, err
	}
	return resp.toTransfer(req.Currency), nil
}

// GetTransfer fetches the current state of a payout.
func (c *ConnectedAccountClient) GetTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	var resp connectedPayoutResponse
	if err := c.do(ctx, "get_transfer", http.MethodGet, "/v1/payouts/"+url.PathEscape(transferID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toTransfer(""), nil
}

func (r connectedPayoutResponse) toTransfer(fallbackCurrency string) *Transfer {
	code := strings.ToUpper(r.Currency)
	if code == "" {
		code = strings.ToUpper(fallbackCurrency)
	}
	transfer := &Transfer{ID: r.ID, Status: strings.ToLower(r.Status), Currency: code}
	if r.Fee != nil {
		fee := minorToDecimal(*r.Fee, code)
		transfer.Fee = &fee
	}
	return transfer
}

// minorToDecimal converts a minor-unit integer into major units using the ISO 4217 scale.
func minorToDecimal(minor int64, code string) decimal.Decimal {
	scale := 2
	if unit, err := currency.ParseISO(code); err == nil {
		scale, _ = currency.Standard.Rounding(unit)
	}
	return decimal.New(minor, -int32(scale))
}
