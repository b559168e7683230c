package llm

import "fmt"

// modelCost holds per-token USD rates. Cached input tokens are billed at a
// discount; the input rate applies only to the uncached remainder.
type modelCost struct {
	input  float64
	cached float64
	output float64
}

var modelCosts = map[string]modelCost{
	"gpt-4o":             {input: 0.0000025, cached: 0.00000125, output: 0.000001},
	"gpt-4o-mini":        {input: 0.00000015, cached: 0.000000075, output: 0.0000006},
	"o4-mini-2025-04-16": {input: 0.0000011, cached: 0.000000275, output: 0.0000044},
}

// Cost computes the USD cost of one call. Unknown models cost zero so a new
// model never breaks metering; the ledger still records its token counts.
func Cost(model string, promptTokens, completionTokens, cachedTokens int) float64 {
	rates, ok := modelCosts[model]
	if !ok {
		return 0
	}
	return float64(cachedTokens)*rates.cached +
		float64(promptTokens-cachedTokens)*rates.input +
		float64(completionTokens)*rates.output
}

// FormatCost renders a cost with the 7-decimal precision the ledger stores.
func FormatCost(cost float64) string {
	return fmt.Sprintf("%.7f", cost)
}
