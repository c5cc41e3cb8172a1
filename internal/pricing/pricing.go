// Package pricing maps model names and token counts to USD costs using
// wildcard pricing entries.
package pricing

import (
	"log/slog"
	"math"

	gate "github.com/ccgate/ccgate/internal"
	"github.com/ccgate/ccgate/internal/wildcard"
)

// Pricer computes request costs from the current pricing table.
type Pricer struct {
	entries func() []gate.PricingEntry
}

// New returns a Pricer reading entries from the given snapshot accessor.
func New(entries func() []gate.PricingEntry) *Pricer {
	return &Pricer{entries: entries}
}

// Rate returns the pricing rate for model. Lookup is exact-first, then
// first wildcard match in entry order.
func (p *Pricer) Rate(model string) (gate.PricingRate, bool) {
	entries := p.entries()
	for _, e := range entries {
		if !hasWildcard(e.Pattern) && wildcard.Match(e.Pattern, model) {
			return e.Rate, true
		}
	}
	for _, e := range entries {
		if wildcard.Match(e.Pattern, model) {
			return e.Rate, true
		}
	}
	return gate.PricingRate{}, false
}

// Cost prices the given usage for model. Each category is tokens/1000 x
// unit price rounded to 6 decimals; the total is the unrounded sum rounded
// once. An unpriced model yields all zeros and a warning.
func (p *Pricer) Cost(model string, usage gate.TokenUsage) gate.CostBreakdown {
	rate, ok := p.Rate(model)
	if !ok {
		slog.Warn("no pricing entry for model, recording zero cost", "model", model)
		return gate.CostBreakdown{}
	}

	input := float64(usage.InputTokens) / 1000 * rate.Input
	output := float64(usage.OutputTokens) / 1000 * rate.Output
	cacheCreation := float64(usage.CacheCreationTokens) / 1000 * rate.CacheCreation
	cacheRead := float64(usage.CacheReadTokens) / 1000 * rate.CacheRead

	return gate.CostBreakdown{
		Input:         Round6(input),
		Output:        Round6(output),
		CacheCreation: Round6(cacheCreation),
		CacheRead:     Round6(cacheRead),
		Total:         Round6(input + output + cacheCreation + cacheRead),
	}
}

// Round6 rounds x to 6 decimal places.
func Round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}

func hasWildcard(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			return true
		}
	}
	return false
}
