package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrencyForDefaults(t *testing.T) {
	table := DefaultCurrencyTable()

	assert.Equal(t, "EGP", table.CurrencyFor("Egypt"))
	assert.Equal(t, "SAR", table.CurrencyFor("  saudi arabia "))
	assert.Equal(t, "AED", table.CurrencyFor("UAE"))
	assert.Equal(t, "USD", table.CurrencyFor("Germany"))
	assert.Equal(t, "USD", table.CurrencyFor(""))
}

func TestLoadCurrencyTableOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "currencies.yml")
	require.NoError(t, os.WriteFile(path, []byte("default: eur\ncountries:\n  Kuwait: kwd\n  egypt: USD\n"), 0o600))

	table, err := LoadCurrencyTable(path)
	require.NoError(t, err)

	assert.Equal(t, "KWD", table.CurrencyFor("kuwait"))
	assert.Equal(t, "USD", table.CurrencyFor("egypt"))
	assert.Equal(t, "SAR", table.CurrencyFor("saudi arabia"))
	assert.Equal(t, "EUR", table.CurrencyFor("France"))
}

func TestLoadCurrencyTableEmptyPath(t *testing.T) {
	table, err := LoadCurrencyTable("")
	require.NoError(t, err)
	assert.Equal(t, "EGP", table.CurrencyFor("egypt"))
}

func TestLoadCurrencyTableMissingFile(t *testing.T) {
	_, err := LoadCurrencyTable(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}
