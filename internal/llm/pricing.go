package llm

// Pricing per million tokens (USD). Output includes thinking tokens.
type modelPrice struct {
	inputPerMillion  float64
	outputPerMillion float64
}

var modelPrices = map[string]modelPrice{
	"gemini-3-pro-preview":   {inputPerMillion: 2.00, outputPerMillion: 12.00},
	"gemini-3-flash-preview": {inputPerMillion: 0.50, outputPerMillion: 3.00},
	"gemini-2.5-flash":       {inputPerMillion: 0.30, outputPerMillion: 2.50},
	"gpt-5.2":                {inputPerMillion: 1.75, outputPerMillion: 14.00},
	"gpt-4o":                 {inputPerMillion: 2.50, outputPerMillion: 10.00},
	"claude-sonnet-4-5":      {inputPerMillion: 3.00, outputPerMillion: 15.00},
	"claude-haiku-4-5":       {inputPerMillion: 1.00, outputPerMillion: 5.00},
}

// calculateCost returns the USD cost of a call; unknown models cost 0.
func calculateCost(model string, inputTokens, outputTokens int64) float64 {
	price, ok := modelPrices[model]
	if !ok {
		return 0
	}
	inputCost := float64(inputTokens) / 1_000_000 * price.inputPerMillion
	outputCost := float64(outputTokens) / 1_000_000 * price.outputPerMillion
	return inputCost + outputCost
}
