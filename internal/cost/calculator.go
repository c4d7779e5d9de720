// Package cost estimates the USD cost of model token usage.
package cost

import (
	"strings"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/model"
)

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model names to pricing.
type Rates map[string]ModelRate

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// FromConfig returns a Calculator with the default rates overridden by any
// configured models.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for name, p := range cfg.Models {
		rates[name] = ModelRate{Input: p.Input, Output: p.Output}
	}
	return NewCalculator(rates)
}

// Rate returns the pricing for a model. Dated snapshot names such as
// "gpt-4o-mini-2024-07-18" fall back to the longest configured prefix.
func (c *Calculator) Rate(name string) (ModelRate, bool) {
	if r, ok := c.rates[name]; ok {
		return r, true
	}
	best := ""
	for k := range c.rates {
		if strings.HasPrefix(name, k) && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return ModelRate{}, false
	}
	return c.rates[best], true
}

// Cost computes the cost of one usage record. Unknown models cost 0.
func (c *Calculator) Cost(name string, u model.Usage) float64 {
	rate, ok := c.Rate(name)
	if !ok {
		return 0
	}
	inCost := (float64(u.PromptTokens) / 1e6) * rate.Input
	outCost := (float64(u.CompletionTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		"gpt-4o":                     {Input: 2.50, Output: 10.00},
		"gpt-4.1-mini":               {Input: 0.40, Output: 1.60},
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
	}
}
