package pricing_test

import (
	"os"
	"testing"

	"github.com/meterly/cost-ledger-api/internal/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "prices_*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestDefaultTable(t *testing.T) {
	table, err := pricing.Default()
	require.NoError(t, err)

	assert.Equal(t, "2026.8.1", table.Version())

	res := table.Rate("gpt-4o")
	assert.False(t, res.Fallback)
	assert.Equal(t, "gpt-4o", res.Model)
	assert.True(t, res.Rate.InputPerMTok.Equal(decimal.RequireFromString("2.50")))
}

func TestRate_UnknownModelFallsBack(t *testing.T) {
	table, err := pricing.Default()
	require.NoError(t, err)

	res := table.Rate("some-model-nobody-heard-of")
	assert.True(t, res.Fallback)
	assert.Equal(t, "gpt-4o-mini", res.Model)
}

func TestFlatRate(t *testing.T) {
	table, err := pricing.Default()
	require.NoError(t, err)

	d, ok := table.FlatRate("research-deep")
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("1.00")))

	_, ok = table.FlatRate("research-imaginary")
	assert.False(t, ok)
}

func TestLoad_InvalidTables(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "missing version",
			content: "default_model: a\nmodels:\n  a:\n    input_per_mtok: \"1\"\n    output_per_mtok: \"1\"\n",
		},
		{
			name:    "missing default_model",
			content: "version: \"1.0.0\"\nmodels:\n  a:\n    input_per_mtok: \"1\"\n    output_per_mtok: \"1\"\n",
		},
		{
			name:    "default_model without rate entry",
			content: "version: \"1.0.0\"\ndefault_model: b\nmodels:\n  a:\n    input_per_mtok: \"1\"\n    output_per_mtok: \"1\"\n",
		},
		{
			name:    "non-numeric rate",
			content: "version: \"1.0.0\"\ndefault_model: a\nmodels:\n  a:\n    input_per_mtok: \"cheap\"\n    output_per_mtok: \"1\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pricing.Load(writeTable(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestProvider_SwapRefusesNonNewer(t *testing.T) {
	base, err := pricing.Default()
	require.NoError(t, err)
	provider := pricing.NewProvider(base)

	same, err := pricing.Load(writeTable(t, `
version: "2026.8.1"
default_model: a
models:
  a:
    input_per_mtok: "1"
    output_per_mtok: "1"
`))
	require.NoError(t, err)
	assert.Error(t, provider.Swap(same))

	older, err := pricing.Load(writeTable(t, `
version: "2025.1.0"
default_model: a
models:
  a:
    input_per_mtok: "1"
    output_per_mtok: "1"
`))
	require.NoError(t, err)
	assert.Error(t, provider.Swap(older))

	newer, err := pricing.Load(writeTable(t, `
version: "2026.9.0"
default_model: a
models:
  a:
    input_per_mtok: "1"
    output_per_mtok: "1"
`))
	require.NoError(t, err)
	require.NoError(t, provider.Swap(newer))
	assert.Equal(t, "2026.9.0", provider.Current().Version())
}
