// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package budget

import (
	"encoding/json"
	"math"
	"os"
	"strings"
	"sync"
)

// TokenEstimateFactor approximates tokens per whitespace-separated word.
// Pre-call estimation has to run before the provider reports real usage.
const TokenEstimateFactor = 1.3

// ModelPricing contains pricing per 1K tokens for a model, in cents.
type ModelPricing struct {
	InputCentsPer1K  float64 `json:"input_cents_per_1k"`
	OutputCentsPer1K float64 `json:"output_cents_per_1k"`
}

// Pricing maps model ids to their per-1K-token prices. The "*" entry is
// the fallback for unknown models so an unpriced model can never block a
// budget check.
type Pricing struct {
	Models map[string]ModelPricing `json:"models"`
	mu     sync.RWMutex
}

// DefaultPricing contains prices in cents per 1K tokens for the models
// the TEE provider serves, plus common aliases seen in routed requests.
var DefaultPricing = &Pricing{
	Models: map[string]ModelPricing{
		// TEE-hosted open-weight models
		"tee-llama-3-70b":     {InputCentsPer1K: 0.06, OutputCentsPer1K: 0.08},
		"tee-llama-3-8b":      {InputCentsPer1K: 0.01, OutputCentsPer1K: 0.02},
		"tee-mixtral-8x7b":    {InputCentsPer1K: 0.05, OutputCentsPer1K: 0.05},
		"tee-qwen-2-72b":      {InputCentsPer1K: 0.06, OutputCentsPer1K: 0.08},
		"tee-deepseek-v3":     {InputCentsPer1K: 0.09, OutputCentsPer1K: 0.11},
		"tee-embed-large":     {InputCentsPer1K: 0.01, OutputCentsPer1K: 0},
		"tee-embed-small":     {InputCentsPer1K: 0.002, OutputCentsPer1K: 0},
		// OpenAI-compatible aliases accepted by the router
		"gpt-4o":              {InputCentsPer1K: 0.25, OutputCentsPer1K: 1.0},
		"gpt-4o-mini":         {InputCentsPer1K: 0.015, OutputCentsPer1K: 0.06},
		"gpt-3.5-turbo":       {InputCentsPer1K: 0.05, OutputCentsPer1K: 0.15},
		"claude-3-5-sonnet":   {InputCentsPer1K: 0.3, OutputCentsPer1K: 1.5},
		"claude-3-haiku":      {InputCentsPer1K: 0.025, OutputCentsPer1K: 0.125},
		"text-embedding-3-small": {InputCentsPer1K: 0.002, OutputCentsPer1K: 0},
		"text-embedding-3-large": {InputCentsPer1K: 0.013, OutputCentsPer1K: 0},
		// Fallback for unknown models
		"*": {InputCentsPer1K: 0.3, OutputCentsPer1K: 1.5},
	},
}

// NewPricing creates a pricing table seeded with the defaults.
func NewPricing() *Pricing {
	return &Pricing{Models: copyModels(DefaultPricing.Models)}
}

// LoadPricingFromEnv loads custom pricing from the ENCLAVA_PRICING_CONFIG
// env var, merged over the defaults. Malformed JSON is ignored.
func LoadPricingFromEnv() *Pricing {
	p := NewPricing()

	pricingJSON := os.Getenv("ENCLAVA_PRICING_CONFIG")
	if pricingJSON != "" {
		var custom Pricing
		if err := json.Unmarshal([]byte(pricingJSON), &custom); err == nil {
			for model, pricing := range custom.Models {
				p.Models[model] = pricing
			}
		}
	}

	return p
}

// EstimateCost returns the cost in integer cents for the given token
// counts, rounded up. It is pure, does no I/O, and never fails: unknown
// models fall back to the wildcard price.
func (p *Pricing) EstimateCost(model string, inputTokens, outputTokens int) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pricing, ok := p.Models[model]
	if !ok {
		pricing, ok = p.Models[strings.ToLower(model)]
		if !ok {
			pricing = p.Models["*"]
		}
	}

	inputCost := float64(inputTokens) / 1000.0 * pricing.InputCentsPer1K
	outputCost := float64(outputTokens) / 1000.0 * pricing.OutputCentsPer1K

	return int64(math.Ceil(inputCost + outputCost))
}

// GetModelPricing returns the pricing entry for a model, falling back to
// the wildcard entry.
func (p *Pricing) GetModelPricing(model string) (ModelPricing, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pricing, ok := p.Models[model]
	if !ok {
		pricing, ok = p.Models["*"]
	}
	return pricing, ok
}

// SetModelPricing sets pricing for a specific model.
func (p *Pricing) SetModelPricing(model string, pricing ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Models[model] = pricing
}

// EstimateTokens approximates the token count of free text before the
// provider reports real usage: whitespace-separated words times
// TokenEstimateFactor, rounded up.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return int(math.Ceil(float64(words) * TokenEstimateFactor))
}

func copyModels(src map[string]ModelPricing) map[string]ModelPricing {
	dst := make(map[string]ModelPricing, len(src))
	for model, pricing := range src {
		dst[model] = pricing
	}
	return dst
}
