package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const DefaultCurrency = "USD"

var defaultCountryCurrencies = map[string]string{
	"egypt":                "EGP",
	"saudi arabia":         "SAR",
	"uae":                  "AED",
	"united arab emirates": "AED",
}

// CurrencyTable maps a patient's country to the currency doctors price in.
type CurrencyTable struct {
	byCountry map[string]string
	fallback  string
}

type currencyTableFile struct {
	Default   string            `yaml:"default"`
	Countries map[string]string `yaml:"countries"`
}

func DefaultCurrencyTable() *CurrencyTable {
	t := &CurrencyTable{byCountry: make(map[string]string, len(defaultCountryCurrencies)), fallback: DefaultCurrency}
	for k, v := range defaultCountryCurrencies {
		t.byCountry[k] = v
	}
	return t
}

// LoadCurrencyTable reads a YAML file of the form
//
//	default: USD
//	countries:
//	  egypt: EGP
//
// on top of the built-in table. An empty path returns the built-in table.
func LoadCurrencyTable(path string) (*CurrencyTable, error) {
	t := DefaultCurrencyTable()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read currency table: %w", err)
	}

	var f currencyTableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal currency table: %w", err)
	}

	if f.Default != "" {
		t.fallback = strings.ToUpper(f.Default)
	}
	for country, cur := range f.Countries {
		t.byCountry[normalizeCountry(country)] = strings.ToUpper(strings.TrimSpace(cur))
	}
	return t, nil
}

func (t *CurrencyTable) CurrencyFor(country string) string {
	if cur, ok := t.byCountry[normalizeCountry(country)]; ok {
		return cur
	}
	return t.fallback
}

func normalizeCountry(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
