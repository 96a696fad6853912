// Package pricing holds the versioned model rate table used to price
// usage events. The table is immutable once loaded; updates swap the
// whole table so historical costs are never recomputed.
package pricing

import (
	_ "embed"
	"fmt"
	"os"
	"sync"

	goversion "github.com/hashicorp/go-version"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed default_prices.yaml
var defaultTableYAML []byte

// ModelRate holds per-million-token USD rates for one model. Reasoning
// and cached-input rates are optional; a nil decimal pointer means the
// model has no such rate.
type ModelRate struct {
	InputPerMTok       decimal.Decimal
	OutputPerMTok      decimal.Decimal
	ReasoningPerMTok   *decimal.Decimal
	CachedInputPerMTok *decimal.Decimal
}

// RateResult is what Rate returns: the applicable rate plus a marker for
// whether the designated default model's rate was substituted.
type RateResult struct {
	Model    string
	Rate     ModelRate
	Fallback bool
}

// Table is a loaded, versioned pricing table.
type Table struct {
	version      *goversion.Version
	defaultModel string
	models       map[string]ModelRate
	flatRates    map[string]decimal.Decimal
}

type yamlRate struct {
	InputPerMTok       string `yaml:"input_per_mtok"`
	OutputPerMTok      string `yaml:"output_per_mtok"`
	ReasoningPerMTok   string `yaml:"reasoning_per_mtok"`
	CachedInputPerMTok string `yaml:"cached_input_per_mtok"`
}

type yamlTable struct {
	Version      string              `yaml:"version"`
	DefaultModel string              `yaml:"default_model"`
	Models       map[string]yamlRate `yaml:"models"`
	FlatRates    map[string]string   `yaml:"flat_rates"`
}

// Default returns the embedded pricing table.
func Default() (*Table, error) {
	return parse(defaultTableYAML)
}

// Load reads a pricing table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (*Table, error) {
	var raw yamlTable
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}

	if raw.Version == "" {
		return nil, fmt.Errorf("pricing table has no version")
	}
	v, err := goversion.NewVersion(raw.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid pricing table version %q: %w", raw.Version, err)
	}

	t := &Table{
		version:      v,
		defaultModel: raw.DefaultModel,
		models:       make(map[string]ModelRate, len(raw.Models)),
		flatRates:    make(map[string]decimal.Decimal, len(raw.FlatRates)),
	}

	for id, yr := range raw.Models {
		rate, err := parseRate(yr)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", id, err)
		}
		t.models[id] = rate
	}

	for tier, price := range raw.FlatRates {
		d, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("flat rate %q: %w", tier, err)
		}
		t.flatRates[tier] = d
	}

	if t.defaultModel == "" {
		return nil, fmt.Errorf("pricing table has no default_model")
	}
	if _, ok := t.models[t.defaultModel]; !ok {
		return nil, fmt.Errorf("default_model %q has no rate entry", t.defaultModel)
	}

	return t, nil
}

func parseRate(yr yamlRate) (ModelRate, error) {
	var rate ModelRate
	var err error

	if rate.InputPerMTok, err = decimal.NewFromString(yr.InputPerMTok); err != nil {
		return rate, fmt.Errorf("input rate: %w", err)
	}
	if rate.OutputPerMTok, err = decimal.NewFromString(yr.OutputPerMTok); err != nil {
		return rate, fmt.Errorf("output rate: %w", err)
	}
	if yr.ReasoningPerMTok != "" {
		d, err := decimal.NewFromString(yr.ReasoningPerMTok)
		if err != nil {
			return rate, fmt.Errorf("reasoning rate: %w", err)
		}
		rate.ReasoningPerMTok = &d
	}
	if yr.CachedInputPerMTok != "" {
		d, err := decimal.NewFromString(yr.CachedInputPerMTok)
		if err != nil {
			return rate, fmt.Errorf("cached input rate: %w", err)
		}
		rate.CachedInputPerMTok = &d
	}

	return rate, nil
}

// Version returns the table's version string.
func (t *Table) Version() string {
	return t.version.Original()
}

// Rate returns the model's rate, or the default model's rate with the
// fallback marker set when the model is unknown. It never fails: an
// operation must always be priceable.
func (t *Table) Rate(modelID string) RateResult {
	if rate, ok := t.models[modelID]; ok {
		return RateResult{Model: modelID, Rate: rate}
	}
	return RateResult{Model: t.defaultModel, Rate: t.models[t.defaultModel], Fallback: true}
}

// FlatRate returns the per-call price for a flat-rate tier.
func (t *Table) FlatRate(tier string) (decimal.Decimal, bool) {
	d, ok := t.flatRates[tier]
	return d, ok
}

// Provider hands out the current table and accepts swaps. Swapping to an
// older or equal version is refused so stale files cannot roll pricing back.
type Provider struct {
	mu    sync.RWMutex
	table *Table
}

func NewProvider(table *Table) *Provider {
	return &Provider{table: table}
}

// Current returns the active table.
func (p *Provider) Current() *Table {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.table
}

// Swap installs a newer table.
func (p *Provider) Swap(next *Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !next.version.GreaterThan(p.table.version) {
		return fmt.Errorf("pricing table %s is not newer than active %s",
			next.Version(), p.table.Version())
	}
	p.table = next
	return nil
}
