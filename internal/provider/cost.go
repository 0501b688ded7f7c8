package provider

import "unicode/utf8"

// EstimateTokens approximates a token count as ceil(chars/4).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// Pricing is a per-1000-token price table.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

func (d Descriptor) Pricing() Pricing {
	return Pricing{InputPer1K: d.InputPricePer1K, OutputPer1K: d.OutputPricePer1K}
}

// Estimate is the pre-call upper bound: the full prompt plus maxTokens of
// output.
func (p Pricing) Estimate(req *Request) float64 {
	promptTokens := EstimateTokens(req.SystemPrompt) + EstimateTokens(req.Prompt)
	maxTokens := req.MaxTokens
	if maxTokens < 0 {
		maxTokens = 0
	}
	return p.cost(promptTokens, maxTokens)
}

// Cost prices actual usage.
func (p Pricing) Cost(u Usage) float64 {
	return p.cost(u.InputTokens, u.OutputTokens)
}

func (p Pricing) cost(input, output int) float64 {
	c := float64(input)/1000*p.InputPer1K + float64(output)/1000*p.OutputPer1K
	if c < 0 {
		return 0
	}
	return c
}
