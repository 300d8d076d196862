// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

// Package llm provides the unified interface and types for LLM
// providers. It defines the common abstractions every provider
// integration implements, so the gateway can route requests without
// knowing which backend serves them.
package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies the kind of LLM provider backend.
type ProviderType string

const (
	// ProviderTypeTEE represents confidential-compute backends running
	// inside a trusted execution environment.
	ProviderTypeTEE ProviderType = "tee"

	// ProviderTypeOpenAICompatible represents any backend speaking the
	// OpenAI REST dialect.
	ProviderTypeOpenAICompatible ProviderType = "openai-compatible"

	// ProviderTypeMock is used in tests.
	ProviderTypeMock ProviderType = "mock"
)

// ChatMessage is a single turn in a conversation.
type ChatMessage struct {
	// Role is "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Name optionally identifies the author of the message.
	Name string `json:"name,omitempty"`
}

// ChatRequest encapsulates the parameters of a chat completion request.
// This is the unified request type used across all providers.
type ChatRequest struct {
	// Model is the model id to route to (e.g. "tee-llama-3-70b").
	Model string `json:"model"`

	// Messages is the conversation so far, oldest first.
	Messages []ChatMessage `json:"messages"`

	// MaxTokens limits the response length. If 0, provider defaults
	// apply.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float64 `json:"temperature,omitempty"`

	// TopP is the nucleus sampling parameter.
	TopP float64 `json:"top_p,omitempty"`

	// Stream enables streaming response mode. When true, use
	// CreateChatCompletionStream instead of CreateChatCompletion.
	Stream bool `json:"stream,omitempty"`

	// Stop are sequences that cause generation to stop.
	Stop []string `json:"stop,omitempty"`

	// User is an opaque end-user identifier passed through for abuse
	// monitoring.
	User string `json:"user,omitempty"`
}

// PromptText concatenates every message's content. Used for token
// estimation and security screening, which operate on the full prompt.
func (r *ChatRequest) PromptText() string {
	var text string
	for i, m := range r.Messages {
		if i > 0 {
			text += "\n"
		}
		text += m.Content
	}
	return text
}

// ChatChoice is one generated completion.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// ChatResponse contains the result of a chat completion.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`

	// Usage contains the provider-reported token counts used for
	// billing true-up.
	Usage Usage `json:"usage"`

	// Latency is the gateway-measured time to the full response.
	Latency time.Duration `json:"-"`
}

// Content returns the text of the first choice, or "".
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Usage tracks token consumption for billing and monitoring.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is a single server-sent event in a streaming completion.
type StreamChunk struct {
	// Content is the text delta of this chunk.
	Content string `json:"content,omitempty"`

	// Done indicates this is the final chunk. Usage is only populated
	// on the final chunk, when the provider reports it at all.
	Done bool `json:"done"`

	// Usage carries final token counts if the provider sent them.
	Usage *Usage `json:"usage,omitempty"`
}

// StreamHandler is called for each chunk of a streaming response.
// Returning an error aborts the stream.
type StreamHandler func(chunk StreamChunk) error

// EmbeddingRequest asks for vector embeddings of one or more inputs.
type EmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`

	// User is an opaque end-user identifier.
	User string `json:"user,omitempty"`
}

// Embedding is a single embedding vector.
type Embedding struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingResponse contains the embedding vectors and token usage.
type EmbeddingResponse struct {
	Object string      `json:"object"`
	Model  string      `json:"model"`
	Data   []Embedding `json:"data"`
	Usage  Usage       `json:"usage"`
}

// ModelInfo describes one model a provider serves.
type ModelInfo struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Created  int64  `json:"created,omitempty"`
	OwnedBy  string `json:"owned_by,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Capability is a feature a provider supports.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityStreaming  Capability = "streaming"
	CapabilityEmbeddings Capability = "embeddings"

	// CapabilityTEEAttestation indicates the backend runs inside a
	// trusted execution environment and can produce attestation
	// evidence.
	CapabilityTEEAttestation Capability = "tee_attestation"
)

// HealthStatus represents the health state of a provider.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheckResult contains detailed health check information.
type HealthCheckResult struct {
	Status      HealthStatus  `json:"status"`
	Latency     time.Duration `json:"latency"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`

	// SuccessRate is the rolling share of successful calls, folded in
	// from the resilience layer when the snapshot is served.
	SuccessRate float64 `json:"success_rate,omitempty"`

	// Models lists the model ids the provider reported serving at
	// check time.
	Models []string `json:"models,omitempty"`
}

// Common provider error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
)

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider instance that failed.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the upstream HTTP status, if applicable.
	StatusCode int `json:"status_code,omitempty"`

	// RetryAfter is the upstream-requested wait before retrying, zero
	// if the provider didn't send one.
	RetryAfter time.Duration `json:"-"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError with retryability derived
// from the code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// ProviderErrorFromStatus maps an upstream HTTP status to a
// ProviderError with the appropriate code and retryability.
func ProviderErrorFromStatus(provider string, statusCode int, message string) *ProviderError {
	var code string
	switch {
	case statusCode == 401 || statusCode == 403:
		code = ErrCodeAuth
	case statusCode == 404:
		code = ErrCodeModelNotFound
	case statusCode == 408:
		code = ErrCodeTimeout
	case statusCode == 429:
		code = ErrCodeRateLimit
	case statusCode >= 500:
		code = ErrCodeServerError
	default:
		code = ErrCodeInvalidRequest
	}

	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
