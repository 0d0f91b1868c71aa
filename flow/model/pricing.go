package model

import (
	"strings"

	"github.com/theuselessai/pipelit/flow/state"
)

// Pricing is the USD cost per 1M tokens of one model.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// modelPricing maps model-name prefixes to pricing. Longest matching prefix
// wins, so dated variants ("gpt-4o-2024-08-06") inherit their family price
// unless listed explicitly.
//
// Note: prices subject to change. Update this map as providers adjust
// pricing.
var modelPricing = map[string]Pricing{
	// OpenAI
	"gpt-4o-mini":  {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4o":       {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4.1-mini": {InputPer1M: 0.40, OutputPer1M: 1.60},
	"gpt-4.1":      {InputPer1M: 2.00, OutputPer1M: 8.00},
	"o3-mini":      {InputPer1M: 1.10, OutputPer1M: 4.40},

	// Anthropic
	"claude-3-5-haiku":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-3-5-sonnet": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-sonnet-4":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-opus-4":     {InputPer1M: 15.00, OutputPer1M: 75.00},

	// Google
	"gemini-1.5-flash": {InputPer1M: 0.075, OutputPer1M: 0.30},
	"gemini-1.5-pro":   {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-2.0-flash": {InputPer1M: 0.10, OutputPer1M: 0.40},
}

// PricingFor resolves a model name to pricing by longest prefix match.
// Unknown models price at zero rather than guessing.
func PricingFor(model string) (Pricing, bool) {
	best := ""
	var found Pricing
	for prefix, p := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			found = p
		}
	}
	return found, best != ""
}

// Cost computes the USD cost of one call.
func Cost(model string, usage state.Usage) float64 {
	p, ok := PricingFor(model)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1e6*p.InputPer1M +
		float64(usage.OutputTokens)/1e6*p.OutputPer1M
}
