package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

var (
	ErrUnknownCurrency   = errors.New("unrecognized currency code")
	ErrAmountNotPositive = errors.New("amount must be greater than zero")
	ErrAmountPrecision   = errors.New("amount has more decimal places than the currency allows")
	ErrAmountTooLarge    = errors.New("amount is too large")
)

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return unit.String(), nil
}

// MinorUnitScale returns the number of fractional digits the currency uses.
func MinorUnitScale(code string) (int32, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// ToMinorUnits converts a decimal amount string into the currency's minor unit.
func ToMinorUnits(amount string, code string) (int64, error) {
	scale, err := MinorUnitScale(code)
	if err != nil {
		return 0, err
	}
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !value.IsPositive() {
		return 0, ErrAmountNotPositive
	}
	if !value.Round(scale).Equal(value) {
		return 0, fmt.Errorf("%w: %s allows %d", ErrAmountPrecision, code, scale)
	}
	minor := value.Shift(scale)
	if !minor.BigInt().IsInt64() {
		return 0, ErrAmountTooLarge
	}
	return minor.IntPart(), nil
}

// FromMinorUnits renders a minor-unit amount as a decimal in major units.
func FromMinorUnits(minor int64, code string) decimal.Decimal {
	scale, err := MinorUnitScale(code)
	if err != nil {
		scale = 2
	}
	return decimal.New(minor, -scale)
}

// FormatMinorUnits renders a minor-unit amount with the currency's fixed precision.
func FormatMinorUnits(minor int64, code string) string {
	scale, err := MinorUnitScale(code)
	if err != nil {
		scale = 2
	}
	return decimal.New(minor, -scale).StringFixed(scale)
}

// DecimalToMinorUnits converts a non-negative major-unit amount, such as a provider fee, into
// the currency's minor unit. Sub-minor fractions are rounded half away from zero.
func DecimalToMinorUnits(amount decimal.Decimal, code string) (int64, error) {
	scale, err := MinorUnitScale(code)
	if err != nil {
		return 0, err
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", amount)
	}
	minor := amount.Round(scale).Shift(scale)
	if !minor.BigInt().IsInt64() {
		return 0, ErrAmountTooLarge
	}
	return minor.IntPart(), nil
}
