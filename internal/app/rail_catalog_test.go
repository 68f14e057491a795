package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/transfa/payout-service/internal/domain"
)

func TestSelectRail_RailBCurrenciesIgnoreCountry(t *testing.T) {
	catalog, err := LoadRailCatalog("")
	if err != nil {
		t.Fatalf("LoadRailCatalog returned error: %v", err)
	}
	currencies := catalog.RailBCurrencies()
	if len(currencies) < 25 {
		t.Fatalf("expected roughly 30 rail B currencies, got %d", len(currencies))
	}
	for _, code := range currencies {
		for _, country := range []string{"NG", "US", "ZZ"} {
			rail, err := catalog.SelectRail(code, country)
			if err != nil {
				t.Fatalf("SelectRail(%s, %s) returned error: %v", code, country, err)
			}
			if rail != domain.RailB {
				t.Fatalf("SelectRail(%s, %s) = %s, want %s", code, country, rail, domain.RailB)
			}
		}
	}
}

func TestSelectRail_OtherCurrenciesUseRailAForSupportedCountry(t *testing.T) {
	catalog, err := LoadRailCatalog("")
	if err != nil {
		t.Fatalf("LoadRailCatalog returned error: %v", err)
	}
	cases := []struct{ currency, country string }{
		{"USD", "US"},
		{"eur", "de"},
		{"GBP", "GB"},
		{"JPY", "JP"},
	}
	for _, tc := range cases {
		rail, err := catalog.SelectRail(tc.currency, tc.country)
		if err != nil {
			t.Fatalf("SelectRail(%s, %s) returned error: %v", tc.currency, tc.country, err)
		}
		if rail != domain.RailA {
			t.Fatalf("SelectRail(%s, %s) = %s, want %s", tc.currency, tc.country, rail, domain.RailA)
		}
	}
}

func TestSelectRail_UnsupportedCorridor(t *testing.T) {
	catalog, err := LoadRailCatalog("")
	if err != nil {
		t.Fatalf("LoadRailCatalog returned error: %v", err)
	}
	_, err = catalog.SelectRail("USD", "KP")
	if !errors.Is(err, ErrUnsupportedCorridor) {
		t.Fatalf("expected ErrUnsupportedCorridor, got %v", err)
	}
	var corridorErr *CorridorError
	if !errors.As(err, &corridorErr) || corridorErr.Country != "KP" {
		t.Fatalf("expected CorridorError for KP, got %v", err)
	}
}

func TestLoadRailCatalog_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rails.yaml")
	table := "version: test-1\nrail_b:\n  currencies: [ngn]\nrail_a:\n  countries: [us]\n"
	if err := os.WriteFile(path, []byte(table), 0o600); err != nil {
		t.Fatalf("write table: %v", err)
	}

	catalog, err := LoadRailCatalog(path)
	if err != nil {
		t.Fatalf("LoadRailCatalog returned error: %v", err)
	}
	if catalog.Version() != "test-1" {
		t.Fatalf("unexpected version %q", catalog.Version())
	}
	if rail, _ := catalog.SelectRail("NGN", "NG"); rail != domain.RailB {
		t.Fatalf("expected rail B for NGN, got %s", rail)
	}
	if _, err := catalog.SelectRail("GHS", "GH"); !errors.Is(err, ErrUnsupportedCorridor) {
		t.Fatalf("expected GHS to be unsupported in custom table, got %v", err)
	}
}

func TestParseRailTable_RejectsMalformedTables(t *testing.T) {
	cases := map[string]string{
		"not yaml":         "version: [",
		"missing version":  "rail_b:\n  currencies: [NGN]\n",
		"unknown currency": "version: v\nrail_b:\n  currencies: [XYZ1]\n",
		"bad country":      "version: v\nrail_a:\n  countries: [USA]\n",
		"no routes":        "version: v\n",
	}
	for name, raw := range cases {
		if _, err := ParseRailTable([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
