package cost

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/pkg/anthropic"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"opus": {
				Input: 15.00, Output: 75.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		OCR: OCRRate{PerPage: 0.002},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name  string
		model string
		usage anthropic.TokenUsage
		want  float64
	}{
		{
			name:  "haiku simple",
			model: "haiku",
			usage: anthropic.TokenUsage{InputTokens: 1000000, OutputTokens: 100000},
			want:  0.80 + 0.40,
		},
		{
			name:  "haiku with cache",
			model: "haiku",
			usage: anthropic.TokenUsage{
				InputTokens: 500000, OutputTokens: 50000,
				CacheCreationInputTokens: 200000, CacheReadInputTokens: 300000,
			},
			// 0.40 in + 0.20 out + 0.20 cache write + 0.024 cache read
			want: 0.824,
		},
		{
			name:  "opus output heavy",
			model: "opus",
			usage: anthropic.TokenUsage{InputTokens: 10000, OutputTokens: 20000},
			want:  0.15 + 1.5,
		},
		{
			name:  "unknown model",
			model: "gpt",
			usage: anthropic.TokenUsage{InputTokens: 1000000},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Claude(tt.model, tt.usage), 1e-9)
		})
	}
}

func TestOCRPages(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 0.2, NewCalculator(testRates()).OCRPages(100), 1e-9)
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	calc := FromConfig(config.PricingConfig{Anthropic: map[string]config.ModelPricing{
		"claude-opus-4-6": {Input: 5, Output: 25},
		"custom-model":    {Input: 1, Output: 1},
	}})

	u := anthropic.TokenUsage{InputTokens: 1000000, OutputTokens: 1000000}
	assert.InDelta(t, 30.0, calc.Claude("claude-opus-4-6", u), 1e-9)
	assert.InDelta(t, 2.0, calc.Claude("custom-model", u), 1e-9)
	assert.InDelta(t, 18.0, calc.Claude("claude-sonnet-4-5-20250929", u), 1e-9)
	assert.InDelta(t, 0.1, calc.OCRPages(100), 1e-9, "default OCR rate kept")

	calc = FromConfig(config.PricingConfig{OCRPerPage: 0.004})
	assert.InDelta(t, 0.4, calc.OCRPages(100), 1e-9)
}

func TestTally(t *testing.T) {
	t.Parallel()

	tally := NewTally()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tally.Add("field_extract", 0.01)
		}()
	}
	wg.Wait()
	tally.Add("classify", 0.5)

	usd, calls := tally.Total()
	assert.InDelta(t, 0.6, usd, 1e-9)
	assert.Equal(t, 11, calls)
	assert.Equal(t, []string{"classify", "field_extract"}, tally.Phases())
	usd, calls = tally.Phase("field_extract")
	assert.InDelta(t, 0.1, usd, 1e-9)
	assert.Equal(t, 10, calls)
	usd, calls = tally.Phase("verify")
	assert.Zero(t, usd)
	assert.Zero(t, calls)
}
