package app

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/transfa/payout-service/internal/domain"
)

const (
	maxCreatorIDLength = 128
	maxReasonLength    = 255
	maxReferenceLength = 128
)

type validatedPayout struct {
	CreatorID   string
	AmountMinor int64
	Currency    string
	Country     string
	BankDetails domain.BankDetails
	Reason      string
	Reference   string
}

func validatePayoutRequest(req domain.PayoutRequest) (*validatedPayout, error) {
	creatorID := strings.TrimSpace(req.CreatorID)
	if creatorID == "" {
		return nil, &ValidationError{Field: "creator_id", Message: "is required"}
	}
	if len(creatorID) > maxCreatorIDLength {
		return nil, &ValidationError{Field: "creator_id", Message: "is too long"}
	}

	currency, err := domain.NormalizeCurrency(req.Currency)
	if err != nil {
		return nil, &ValidationError{Field: "currency", Message: "must be a recognized ISO 4217 code"}
	}

	rawAmount := strings.TrimSpace(req.Amount.String())
	if rawAmount == "" {
		return nil, &ValidationError{Field: "amount", Message: "is required"}
	}
	amountMinor, err := domain.ToMinorUnits(rawAmount, currency)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAmountNotPositive):
			return nil, &ValidationError{Field: "amount", Message: "must be greater than zero"}
		case errors.Is(err, domain.ErrAmountPrecision):
			return nil, &ValidationError{Field: "amount", Message: "has more decimal places than " + currency + " allows"}
		case errors.Is(err, domain.ErrAmountTooLarge):
			return nil, &ValidationError{Field: "amount", Message: "is too large"}
		default:
			return nil, &ValidationError{Field: "amount", Message: "must be a decimal number"}
		}
	}

	details := domain.BankDetails{
		AccountNumber:     strings.TrimSpace(req.BankDetails.AccountNumber),
		BankCode:          strings.TrimSpace(req.BankDetails.BankCode),
		AccountHolderName: strings.TrimSpace(req.BankDetails.AccountHolderName),
		Country:           strings.ToUpper(strings.TrimSpace(req.BankDetails.Country)),
	}
	switch {
	case details.AccountNumber == "":
		return nil, &ValidationError{Field: "bank_details.account_number", Message: "is required"}
	case details.BankCode == "":
		return nil, &ValidationError{Field: "bank_details.bank_code", Message: "is required"}
	case details.AccountHolderName == "":
		return nil, &ValidationError{Field: "bank_details.account_holder_name", Message: "is required"}
	case len(details.Country) != 2:
		return nil, &ValidationError{Field: "bank_details.country", Message: "must be a two-letter country code"}
	}

	reason := strings.TrimSpace(req.Reason)
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return nil, &ValidationError{Field: "reason", Message: "is too long"}
	}
	reference := strings.TrimSpace(req.Reference)
	if len(reference) > maxReferenceLength {
		return nil, &ValidationError{Field: "reference", Message: "is too long"}
	}

	return &validatedPayout{
		CreatorID:   creatorID,
		AmountMinor: amountMinor,
		Currency:    currency,
		Country:     details.Country,
		BankDetails: details,
		Reason:      reason,
		Reference:   reference,
	}, nil
}
