// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"enclava/platform/gateway/budget"
	"enclava/platform/gateway/llm"
	"enclava/platform/gateway/security"
)

// ResponseAnnotations carries gateway-produced advisory data alongside
// the provider payload: budget warning thresholds crossed by this
// request and the security screener's findings. Clients that only speak
// the OpenAI dialect can ignore the block.
type ResponseAnnotations struct {
	BudgetWarnings []budget.Warning     `json:"budget_warnings,omitempty"`
	RiskScore      float64              `json:"risk_score,omitempty"`
	Detections     []security.Detection `json:"detections,omitempty"`
}

// ChatResponse is the provider chat completion plus gateway
// annotations. The provider fields marshal inline.
type ChatResponse struct {
	*llm.ChatResponse

	Enclava *ResponseAnnotations `json:"enclava,omitempty"`
}

// EmbeddingResponse is the provider embedding payload plus gateway
// annotations.
type EmbeddingResponse struct {
	*llm.EmbeddingResponse

	Enclava *ResponseAnnotations `json:"enclava,omitempty"`
}

// annotations assembles the advisory block, or nil when there is
// nothing to report so the field stays absent from the JSON.
func annotations(warnings []budget.Warning, screenResult security.Result) *ResponseAnnotations {
	if len(warnings) == 0 && len(screenResult.Detections) == 0 {
		return nil
	}
	return &ResponseAnnotations{
		BudgetWarnings: warnings,
		RiskScore:      screenResult.RiskScore,
		Detections:     screenResult.Detections,
	}
}
