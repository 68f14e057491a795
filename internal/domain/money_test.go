package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToMinorUnits(t *testing.T) {
	cases := []struct {
		amount   string
		currency string
		want     int64
		wantErr  error
	}{
		{amount: "50.00", currency: "NGN", want: 5000},
		{amount: "50", currency: "USD", want: 5000},
		{amount: "0.01", currency: "EUR", want: 1},
		{amount: "1500", currency: "JPY", want: 1500},
		{amount: "12.5", currency: "JPY", wantErr: ErrAmountPrecision},
		{amount: "1.001", currency: "USD", wantErr: ErrAmountPrecision},
		{amount: "-5.00", currency: "USD", wantErr: ErrAmountNotPositive},
		{amount: "0", currency: "USD", wantErr: ErrAmountNotPositive},
		{amount: "10", currency: "XYZ", wantErr: ErrUnknownCurrency},
	}

	for _, tc := range cases {
		got, err := ToMinorUnits(tc.amount, tc.currency)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ToMinorUnits(%q, %q): expected %v, got %v", tc.amount, tc.currency, tc.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ToMinorUnits(%q, %q) returned error: %v", tc.amount, tc.currency, err)
		}
		if got != tc.want {
			t.Fatalf("ToMinorUnits(%q, %q) = %d, want %d", tc.amount, tc.currency, got, tc.want)
		}
	}
}

func TestToMinorUnits_RejectsGarbage(t *testing.T) {
	if _, err := ToMinorUnits("fifty", "USD"); err == nil {
		t.Fatal("expected error for non-numeric amount")
	}
}

func TestNormalizeCurrency(t *testing.T) {
	got, err := NormalizeCurrency(" ngn ")
	if err != nil {
		t.Fatalf("NormalizeCurrency returned error: %v", err)
	}
	if got != "NGN" {
		t.Fatalf("expected NGN, got %q", got)
	}
	if _, err := NormalizeCurrency("ZZZ"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestFormatMinorUnits(t *testing.T) {
	if got := FormatMinorUnits(5000, "NGN"); got != "50.00" {
		t.Fatalf("expected 50.00, got %q", got)
	}
	if got := FormatMinorUnits(1500, "JPY"); got != "1500" {
		t.Fatalf("expected 1500, got %q", got)
	}
}

func TestMaskedAccountNumber(t *testing.T) {
	details := BankDetails{AccountNumber: "0123456789"}
	if got := details.MaskedAccountNumber(); got != "******6789" {
		t.Fatalf("unexpected mask %q", got)
	}
}

func TestDecimalToMinorUnits(t *testing.T) {
	cases := []struct {
		amount string
		code   string
		want   int64
	}{
		{"0", "USD", 0},
		{"1.50", "NGN", 150},
		{"0.255", "USD", 26},
		{"12", "JPY", 12},
	}
	for _, tc := range cases {
		got, err := DecimalToMinorUnits(decimal.RequireFromString(tc.amount), tc.code)
		if err != nil {
			t.Fatalf("DecimalToMinorUnits(%s, %s) returned error: %v", tc.amount, tc.code, err)
		}
		if got != tc.want {
			t.Fatalf("DecimalToMinorUnits(%s, %s) = %d, want %d", tc.amount, tc.code, got, tc.want)
		}
	}
	if _, err := DecimalToMinorUnits(decimal.RequireFromString("-1"), "USD"); err == nil {
		t.Fatal("expected error for negative amount")
	}
}
