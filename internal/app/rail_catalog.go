package app

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/transfa/payout-service/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed rails.yaml
var defaultRailTable []byte

// RailTable is the versioned routing data behind SelectRail.
type RailTable struct {
	Version string `yaml:"version"`
	RailB   struct {
		Currencies []string `yaml:"currencies"`
	} `yaml:"rail_b"`
	RailA struct {
		Countries []string `yaml:"countries"`
	} `yaml:"rail_a"`
}

// RailCatalog answers routing questions from a RailTable.
type RailCatalog struct {
	version         string
	railBCurrencies map[string]struct{}
	railACountries  map[string]struct{}
}

// ParseRailTable decodes and validates a YAML rail table.
func ParseRailTable(raw []byte) (*RailCatalog, error) {
	var table RailTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("decode rail table: %w", err)
	}
	return NewRailCatalog(table)
}

// LoadRailCatalog reads the table at path, or the embedded default when path is empty.
func LoadRailCatalog(path string) (*RailCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return ParseRailTable(defaultRailTable)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rail table %s: %w", path, err)
	}
	return ParseRailTable(raw)
}

func NewRailCatalog(table RailTable) (*RailCatalog, error) {
	if strings.TrimSpace(table.Version) == "" {
		return nil, fmt.Errorf("rail table: version is required")
	}
	if len(table.RailB.Currencies) == 0 && len(table.RailA.Countries) == 0 {
		return nil, fmt.Errorf("rail table %s: no routes defined", table.Version)
	}

	catalog := &RailCatalog{
		version:         table.Version,
		railBCurrencies: make(map[string]struct{}, len(table.RailB.Currencies)),
		railACountries:  make(map[string]struct{}, len(table.RailA.Countries)),
	}
	for _, code := range table.RailB.Currencies {
		normalized, err := domain.NormalizeCurrency(code)
		if err != nil {
			return nil, fmt.Errorf("rail table %s: %w", table.Version, err)
		}
		catalog.railBCurrencies[normalized] = struct{}{}
	}
	for _, country := range table.RailA.Countries {
		normalized := strings.ToUpper(strings.TrimSpace(country))
		if len(normalized) != 2 {
			return nil, fmt.Errorf("rail table %s: invalid country %q", table.Version, country)
		}
		catalog.railACountries[normalized] = struct{}{}
	}
	return catalog, nil
}

func (c *RailCatalog) Version() string { return c.version }

// SelectRail routes a currency/country pair. Rail B wins on currency; Rail A needs a
// supported destination country.
func (c *RailCatalog) SelectRail(currency, country string) (domain.Rail, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	cc := strings.ToUpper(strings.TrimSpace(country))

	if _, ok := c.railBCurrencies[code]; ok {
		return domain.RailB, nil
	}
	if _, ok := c.railACountries[cc]; ok {
		return domain.RailA, nil
	}
	return "", &CorridorError{Currency: code, Country: cc}
}

// RailBCurrencies returns the currencies routed to Rail B.
func (c *RailCatalog) RailBCurrencies() []string {
	out := make([]string, 0, len(c.railBCurrencies))
	for code := range c.railBCurrencies {
		out = append(out, code)
	}
	return out
}
