package railclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BankTransferClient talks to the direct bank-transfer rail.
type BankTransferClient struct {
	client
}

// NewBankTransferClient creates a client for the bank-transfer rail.
func NewBankTransferClient(baseURL, apiKey string, timeout time.Duration) *BankTransferClient {
	return &BankTransferClient{client: newClient("bank_transfer", baseURL, apiKey, timeout)}
}

type bankAccountRequest struct {
	Currency          string `json:"currency"`
	Type              string `json:"type"`
	AccountHolderName string `json:"accountHolderName"`
	Details           struct {
		AccountNumber string `json:"accountNumber"`
		BankCode      string `json:"bankCode"`
		Country       string `json:"country"`
	} `json:"details"`
	ExternalReference string `json:"externalReference,omitempty"`
}

type bankTransferRequest struct {
	TargetAccount         string          `json:"targetAccount"`
	TargetAmount          decimal.Decimal `json:"targetAmount"`
	TargetCurrency        string          `json:"targetCurrency"`
	CustomerTransactionID string          `json:"customerTransactionId"`
	Details               struct {
		Reference string `json:"reference,omitempty"`
	} `json:"details"`
}

type bankTransferResponse struct {
	ID             flexibleID       `json:"id"`
	Status         string           `json:"status"`
	TargetCurrency string           `json:"targetCurrency"`
	Fee            *decimal.Decimal `json:"fee"`
}

// CreateRecipient registers a recipient bank account at the rail.
func (c *BankTransferClient) CreateRecipient(ctx context.Context, req CreateRecipientRequest) (*Recipient, error) {
	payload := bankAccountRequest{
		Currency:          strings.ToUpper(req.Currency),
		Type:              "bank_account",
		AccountHolderName: req.AccountHolderName,
		ExternalReference: req.CreatorID,
	}
	payload.Details.AccountNumber = req.AccountNumber
	payload.Details.BankCode = req.BankCode
	payload.Details.Country = req.Country

	var resp struct {
		ID flexibleID `json:"id"`
	}
	if err := c.do(ctx, "create_recipient", http.MethodPost, "/v1/accounts", nil, payload, &resp); err != nil {
		return nil, err
	}
	if err := c.requireID("create_recipient", string(resp.ID)); err != nil {
		return nil, err
	}
	return &Recipient{ID: string(resp.ID)}, nil
}

// CreateTransfer creates a transfer. customerTransactionId is the rail's idempotency key.
func (c *BankTransferClient) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*Transfer, error) {
	payload := bankTransferRequest{
		TargetAccount:         req.RecipientID,
		TargetAmount:          req.Amount,
		TargetCurrency:        strings.ToUpper(req.Currency),
		CustomerTransactionID: req.IdempotencyKey,
	}
	payload.Details.Reference = req.Reference

	var resp bankTransferResponse
	if err := c.do(ctx, "create_transfer", http.MethodPost, "/v1/transfers", nil, payload, &resp); err != nil {
		return nil, err
	}
	if err := c.requireID("create_transfer", string(resp.ID)); err != nil {
		return nil, err
	}
	return resp.toTransfer(req.Currency), nil
}

// GetTransfer fetches the current state of a transfer.
func (c *BankTransferClient) GetTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	var resp bankTransferResponse
	if err := c.do(ctx, "get_transfer", http.MethodGet, "/v1/transfers/"+url.PathEscape(transferID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toTransfer(""), nil
}

func (r bankTransferResponse) toTransfer(fallbackCurrency string) *Transfer {
	code := strings.ToUpper(r.TargetCurrency)
	if code == "" {
		code = strings.ToUpper(fallbackCurrency)
	}
	return &Transfer{
		ID:       string(r.ID),
		Status:   strings.ToLower(r.Status),
		Currency: code,
		Fee:      r.Fee,
	}
}
