package admission

import (
	"strings"
	"unicode/utf8"
)

// Input token ceilings per product. Products are matched lowercased and
// trimmed; unknown products fall back to the default.
var productTokenCeilings = map[string]int{
	"synqra": 1500,
	"aurafx": 800,
	"noid":   600,
}

const defaultTokenCeiling = 600

// EstimateTokens approximates the token count of a prompt at four
// characters per token, rounding up. The prompt is trimmed first so
// padding whitespace cannot inflate the estimate.
func EstimateTokens(prompt string) int {
	n := utf8.RuneCountInString(strings.TrimSpace(prompt))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

// TokenCeiling returns the input budget for a product.
func TokenCeiling(product string) int {
	key := strings.ToLower(strings.TrimSpace(product))
	if ceiling, ok := productTokenCeilings[key]; ok {
		return ceiling
	}
	return defaultTokenCeiling
}

// CheckTokenBudget estimates the prompt cost against the product ceiling.
// An estimate exactly equal to the ceiling is within budget.
func CheckTokenBudget(product, prompt string) (estimated, ceiling int, ok bool) {
	estimated = EstimateTokens(prompt)
	ceiling = TokenCeiling(product)
	return estimated, ceiling, estimated <= ceiling
}
