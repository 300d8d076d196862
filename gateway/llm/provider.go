// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the unique identifier for this provider instance,
	// used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type identifying the implementation.
	Type() ProviderType

	// Models lists the models this provider serves.
	Models(ctx context.Context) ([]ModelInfo, error)

	// Capabilities returns the features this provider supports. The
	// registry uses it to decide whether a provider can handle a
	// request.
	Capabilities() []Capability

	// CreateChatCompletion generates a full (non-streaming) chat
	// completion.
	CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// CreateChatCompletionStream generates a streaming completion,
	// invoking handler for each chunk, and returns the aggregated
	// response including final usage.
	CreateChatCompletionStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error)

	// CreateEmbedding generates vector embeddings.
	CreateEmbedding(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error)

	// HealthCheck verifies the provider is operational. It should
	// complete quickly; callers bound it with a context deadline.
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}

// ProviderConfig is the configuration for creating a provider instance.
type ProviderConfig struct {
	// Name is the unique identifier for this instance.
	Name string `json:"name" yaml:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type" yaml:"type"`

	// BaseURL is the API endpoint.
	BaseURL string `json:"base_url" yaml:"base_url"`

	// APIKey authenticates against the provider API.
	APIKey string `json:"api_key" yaml:"api_key"`

	// DefaultModel is used when a request doesn't name one.
	DefaultModel string `json:"default_model,omitempty" yaml:"default_model"`

	// Models restricts which models route to this provider. Empty
	// means the provider's live model list decides.
	Models []string `json:"models,omitempty" yaml:"models"`

	// TimeoutSeconds is the per-request timeout (0 = default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`

	// Enabled indicates whether this provider participates in routing.
	Enabled bool `json:"enabled" yaml:"enabled"`
}
