package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name             string
		model            string
		promptTokens     int
		completionTokens int
		cachedTokens     int
		expected         string
	}{
		{
			name:             "gpt-4o with cached tokens",
			model:            "gpt-4o",
			promptTokens:     1000,
			completionTokens: 200,
			cachedTokens:     300,
			expected:         "0.0021250",
		},
		{
			name:             "gpt-4o no cache",
			model:            "gpt-4o",
			promptTokens:     1000,
			completionTokens: 0,
			cachedTokens:     0,
			expected:         "0.0025000",
		},
		{
			name:             "o4-mini",
			model:            "o4-mini-2025-04-16",
			promptTokens:     100,
			completionTokens: 50,
			cachedTokens:     0,
			expected:         "0.0003300",
		},
		{
			name:             "o4-mini fully cached prompt",
			model:            "o4-mini-2025-04-16",
			promptTokens:     1000,
			completionTokens: 0,
			cachedTokens:     1000,
			expected:         "0.0002750",
		},
		{
			name:             "unknown model costs zero",
			model:            "some-future-model",
			promptTokens:     100000,
			completionTokens: 100000,
			cachedTokens:     0,
			expected:         "0.0000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost := Cost(tt.model, tt.promptTokens, tt.completionTokens, tt.cachedTokens)
			assert.Equal(t, tt.expected, FormatCost(cost))
		})
	}
}

func TestCost_CachedNeverDoubleBilled(t *testing.T) {
	// Cached tokens are a subset of prompt tokens: a fully cached prompt
	// must cost strictly less than an uncached one.
	uncached := Cost("gpt-4o", 1000, 0, 0)
	cached := Cost("gpt-4o", 1000, 0, 1000)
	assert.Less(t, cached, uncached)
}
