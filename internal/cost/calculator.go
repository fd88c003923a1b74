// Package cost prices token usage and estimates request cost before
// dispatch. Estimates feed quota reservations; final prices come from the
// normalized usage after the provider answers.
package cost

import (
	"sync"

	"github.com/modelbridge/gateway/internal/domain"
)

type ModelPricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

var defaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-2024-11-20":          {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":                {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4o-mini-2024-07-18":     {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"text-embedding-3-small":     {InputPer1K: 0.00002},
	"text-embedding-3-large":     {InputPer1K: 0.00013},
	"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},

	"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"anthropic.claude-3-5-haiku-20241022-v1:0":  {InputPer1K: 0.001, OutputPer1K: 0.005},
	"anthropic.claude-3-opus-20240229-v1:0":     {InputPer1K: 0.015, OutputPer1K: 0.075},
}

const (
	// Rough text-to-token ratio used before the provider reports real
	// counts.
	charsPerToken = 4

	// Assumed completion length when the caller did not cap max_tokens.
	defaultCompletionEstimate = 1024
)

type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

func NewCalculator() *Calculator {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &Calculator{pricing: pricing}
}

// Calculate prices the reported usage. Unknown models cost zero; the
// gateway still records their token counts.
func (c *Calculator) Calculate(model string, usage domain.TokenUsage) float64 {
	c.mu.RLock()
	pricing, ok := c.pricing[model]
	c.mu.RUnlock()
	if !ok {
		return 0
	}

	inputCost := float64(usage.PromptTokens) / 1000 * pricing.InputPer1K
	outputCost := float64(usage.CompletionTokens) / 1000 * pricing.OutputPer1K
	return inputCost + outputCost
}

// EstimateTokens guesses the total token footprint of a request before it
// is sent: prompt text at about four characters per token, plus the
// completion cap or a default when none is set. Embedding requests have
// no completion side.
func EstimateTokens(op domain.Operation, req domain.Request) int {
	var chars int
	chars += len(req.System)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	for _, in := range req.Input {
		chars += len(in)
	}

	tokens := chars / charsPerToken
	if tokens == 0 {
		tokens = 1
	}

	if op == domain.OpEmbed {
		return tokens
	}
	if req.MaxTokens != nil {
		return tokens + *req.MaxTokens
	}
	return tokens + defaultCompletionEstimate
}

// EstimateCost prices an estimated request, splitting the estimate into
// the prompt and completion sides the same way EstimateTokens builds it.
func (c *Calculator) EstimateCost(op domain.Operation, model string, req domain.Request) float64 {
	total := EstimateTokens(op, req)

	completion := 0
	if op != domain.OpEmbed {
		completion = defaultCompletionEstimate
		if req.MaxTokens != nil {
			completion = *req.MaxTokens
		}
	}
	prompt := total - completion
	if prompt < 0 {
		prompt = 0
	}

	return c.Calculate(model, domain.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
	})
}

// ApproxTokens estimates the token count of already produced text. Used
// to settle streaming usage, where providers report no counts.
func ApproxTokens(text string) int {
	tokens := len(text) / charsPerToken
	if tokens == 0 && len(text) > 0 {
		tokens = 1
	}
	return tokens
}

func (c *Calculator) SetPricing(model string, pricing ModelPricing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pricing[model] = pricing
}
