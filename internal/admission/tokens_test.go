package admission

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 0, EstimateTokens("   "))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("x", 100)))
	// Trimmed before counting.
	assert.Equal(t, 1, EstimateTokens("  ab  "))
}

func TestTokenCeiling(t *testing.T) {
	assert.Equal(t, 1500, TokenCeiling("synqra"))
	assert.Equal(t, 1500, TokenCeiling("  SYNQRA "))
	assert.Equal(t, 800, TokenCeiling("aurafx"))
	assert.Equal(t, 600, TokenCeiling("noid"))
	assert.Equal(t, 600, TokenCeiling(""))
	assert.Equal(t, 600, TokenCeiling("unknown-product"))
}

func TestCheckTokenBudget(t *testing.T) {
	tests := []struct {
		name      string
		product   string
		prompt    string
		estimated int
		ceiling   int
		ok        bool
	}{
		{
			name:      "well under the ceiling",
			product:   "synqra",
			prompt:    strings.Repeat("a", 400),
			estimated: 100,
			ceiling:   1500,
			ok:        true,
		},
		{
			name:      "exactly at the ceiling is accepted",
			product:   "noid",
			prompt:    strings.Repeat("a", 2400),
			estimated: 600,
			ceiling:   600,
			ok:        true,
		},
		{
			name:      "one rune over the ceiling is rejected",
			product:   "noid",
			prompt:    strings.Repeat("a", 2401),
			estimated: 601,
			ceiling:   600,
			ok:        false,
		},
		{
			name:      "unknown product uses the default ceiling",
			product:   "other",
			prompt:    strings.Repeat("a", 4000),
			estimated: 1000,
			ceiling:   600,
			ok:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, ceil, ok := CheckTokenBudget(tt.product, tt.prompt)
			assert.Equal(t, tt.estimated, est)
			assert.Equal(t, tt.ceiling, ceil)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
