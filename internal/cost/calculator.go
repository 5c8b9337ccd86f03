// Package cost attributes capability spend to jobs.
package cost

import (
	"sort"
	"sync"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/pkg/anthropic"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	OCR       OCRRate              `yaml:"ocr" mapstructure:"ocr"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// OCRRate holds hosted OCR pricing.
type OCRRate struct {
	PerPage float64 `yaml:"per_page" mapstructure:"per_page"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// FromConfig layers configured model prices over DefaultRates.
func FromConfig(p config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for model, mp := range p.Anthropic {
		r := rates.Anthropic[model]
		r.Input, r.Output = mp.Input, mp.Output
		if r.CacheWriteMul == 0 {
			r.CacheWriteMul = 1.25
		}
		if r.CacheReadMul == 0 {
			r.CacheReadMul = 0.1
		}
		rates.Anthropic[model] = r
	}
	if p.OCRPerPage > 0 {
		rates.OCR.PerPage = p.OCRPerPage
	}
	return NewCalculator(rates)
}

// Claude computes the cost of one Claude call. Unknown models cost 0.
func (c *Calculator) Claude(model string, u anthropic.TokenUsage) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}
	inCost := (float64(u.InputTokens) / 1e6) * rate.Input
	outCost := (float64(u.OutputTokens) / 1e6) * rate.Output
	cwCost := (float64(u.CacheCreationInputTokens) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(u.CacheReadInputTokens) / 1e6) * rate.Input * rate.CacheReadMul
	return inCost + outCost + cwCost + crCost
}

// OCRPages returns the cost of running hosted OCR over pages pages.
func (c *Calculator) OCRPages(pages int) float64 {
	return float64(pages) * c.rates.OCR.PerPage
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 1.00, Output: 5.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-opus-4-6": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		OCR: OCRRate{PerPage: 0.001},
	}
}

// Tally accumulates spend for one job run, keyed by phase.
type Tally struct {
	mu      sync.Mutex
	byPhase map[string]*spend
}

type spend struct {
	usd   float64
	calls int
}

// NewTally returns an empty Tally.
func NewTally() *Tally {
	return &Tally{byPhase: make(map[string]*spend)}
}

// Add records one priced call.
func (t *Tally) Add(phase string, usd float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byPhase[phase]
	if !ok {
		s = &spend{}
		t.byPhase[phase] = s
	}
	s.usd += usd
	s.calls++
}

// Total returns the accumulated spend and call count.
func (t *Tally) Total() (usd float64, calls int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.byPhase {
		usd += s.usd
		calls += s.calls
	}
	return usd, calls
}

// Phases returns the phases with recorded calls in sorted order.
func (t *Tally) Phases() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byPhase))
	for p := range t.byPhase {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Phase returns the spend and call count recorded for phase.
func (t *Tally) Phase(phase string) (usd float64, calls int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byPhase[phase]; ok {
		return s.usd, s.calls
	}
	return 0, 0
}
