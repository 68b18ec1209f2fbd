package skew

// Price is the per-million-token price of a model.
type Price struct {
	Input  float64
	Output float64
}

// FallbackCostPerToken applies to the summed tokens of models missing
// from ModelPricing.
const FallbackCostPerToken = 0.00001

// ModelPricing lists known models, priced per 1M tokens.
var ModelPricing = map[string]Price{
	"gpt-4o":                 {Input: 2.5, Output: 10.0},
	"gpt-4o-mini":            {Input: 0.15, Output: 0.6},
	"gpt-4-turbo":            {Input: 10.0, Output: 30.0},
	"gpt-4":                  {Input: 30.0, Output: 60.0},
	"gpt-3.5-turbo":          {Input: 0.5, Output: 1.5},
	"o1":                     {Input: 15.0, Output: 60.0},
	"o1-mini":                {Input: 3.0, Output: 12.0},
	"o3-mini":                {Input: 1.1, Output: 4.4},
	"text-embedding-3-small": {Input: 0.02, Output: 0},
	"text-embedding-3-large": {Input: 0.13, Output: 0},
}

// EstimateCost returns the estimated cost of a call in USD. Negative token
// counts are treated as zero.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	promptTokens = max(promptTokens, 0)
	completionTokens = max(completionTokens, 0)

	price, ok := ModelPricing[model]
	if !ok {
		return float64(promptTokens+completionTokens) * FallbackCostPerToken
	}

	inputCost := float64(promptTokens) / 1e6 * price.Input
	outputCost := float64(completionTokens) / 1e6 * price.Output
	return inputCost + outputCost
}
