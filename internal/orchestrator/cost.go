package orchestrator

import (
	"strings"

	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// modelPricing is USD per one million tokens.
type modelPricing struct {
	inputPerM  float64
	outputPerM float64
}

// pricingTable lists published per-token prices for the model families the
// service is commonly configured with. Prefix-matched, longest prefix wins.
var pricingTable = map[string]modelPricing{
	"gpt-4o-mini":       {inputPerM: 0.15, outputPerM: 0.60},
	"gpt-4o":            {inputPerM: 2.50, outputPerM: 10.00},
	"gpt-4-turbo":       {inputPerM: 10.00, outputPerM: 30.00},
	"gpt-3.5-turbo":     {inputPerM: 0.50, outputPerM: 1.50},
	"o1-mini":           {inputPerM: 1.10, outputPerM: 4.40},
	"o1":                {inputPerM: 15.00, outputPerM: 60.00},
	"o3-mini":           {inputPerM: 1.10, outputPerM: 4.40},
	"claude-3-5-sonnet": {inputPerM: 3.00, outputPerM: 15.00},
	"claude-3-5-haiku":  {inputPerM: 0.80, outputPerM: 4.00},
	"claude-3-opus":     {inputPerM: 15.00, outputPerM: 75.00},
	"claude-3-haiku":    {inputPerM: 0.25, outputPerM: 1.25},
	"gemini-2.0-flash":  {inputPerM: 0.10, outputPerM: 0.40},
	"gemini-1.5-pro":    {inputPerM: 1.25, outputPerM: 5.00},
	"gemini-1.5-flash":  {inputPerM: 0.075, outputPerM: 0.30},
}

// exchangeCost converts one backend exchange's token usage into USD.
// Models without a pricing entry cost 0.0; the caller logs that at debug.
func exchangeCost(model string, usage llm.Usage) (float64, bool) {
	lower := strings.ToLower(model)

	var best string
	for prefix := range pricingTable {
		if strings.HasPrefix(lower, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0, false
	}

	p := pricingTable[best]
	cost := float64(usage.PromptTokens)/1_000_000*p.inputPerM +
		float64(usage.CompletionTokens)/1_000_000*p.outputPerM
	return cost, true
}
