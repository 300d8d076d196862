// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

// Package tee provides the LLM provider implementation for
// confidential-compute backends. The backend speaks the OpenAI REST
// dialect and runs inside a trusted execution environment, so the
// provider advertises the tee_attestation capability alongside chat,
// streaming, and embeddings.
package tee

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"enclava/platform/gateway/llm"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions.
	DefaultMaxTokens = 4096

	// streamDoneMarker terminates an SSE completion stream.
	streamDoneMarker = "[DONE]"
)

// HTTPClient is an interface for HTTP client operations (enables
// testing).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the TEE provider.
type Config struct {
	Name         string        // Optional: instance name (default: "tee")
	BaseURL      string        // Required: backend endpoint
	APIKey       string        // Required: bearer token
	DefaultModel string        // Optional: model used when a request names none
	Timeout      time.Duration // Optional: HTTP timeout (default: 120s)
}

// Provider implements llm.Provider against a TEE-hosted
// OpenAI-compatible backend.
type Provider struct {
	name         string
	baseURL      string
	apiKey       string
	defaultModel string
	client       HTTPClient
}

// NewProvider creates a new TEE provider instance.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tee provider base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("tee provider API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "tee"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		name:         cfg.Name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string {
	return p.name
}

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeTEE
}

// Capabilities returns the features this provider supports.
func (p *Provider) Capabilities() []llm.Capability {
	return []llm.Capability{
		llm.CapabilityChat,
		llm.CapabilityStreaming,
		llm.CapabilityEmbeddings,
		llm.CapabilityTEEAttestation,
	}
}

// Models lists the models the backend serves.
func (p *Provider) Models(ctx context.Context) ([]llm.ModelInfo, error) {
	resp, err := p.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var list struct {
		Data []llm.ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	return list.Data, nil
}

// CreateChatCompletion generates a full chat completion.
func (p *Provider) CreateChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	req.Stream = false
	p.applyDefaults(&req)

	resp, err := p.do(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var chatResp llm.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}

	chatResp.Latency = time.Since(start)
	return &chatResp, nil
}

// CreateChatCompletionStream generates a streaming completion, calling
// handler for each delta, and returns the aggregated response. Usage
// comes from the final stream event when the backend reports it.
func (p *Provider) CreateChatCompletionStream(ctx context.Context, req llm.ChatRequest, handler llm.StreamHandler) (*llm.ChatResponse, error) {
	start := time.Now()

	req.Stream = true
	p.applyDefaults(&req)

	resp, err := p.do(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	return p.processStream(resp.Body, handler, req.Model, start)
}

// streamEvent is one SSE data payload in the OpenAI dialect.
type streamEvent struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *llm.Usage `json:"usage"`
}

func (p *Provider) processStream(body io.Reader, handler llm.StreamHandler, model string, start time.Time) (*llm.ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var content strings.Builder
	var usage llm.Usage
	var finishReason, responseModel, responseID string

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == streamDoneMarker {
			if handler != nil {
				if err := handler(llm.StreamChunk{Done: true, Usage: &usage}); err != nil {
					return nil, fmt.Errorf("stream handler error: %w", err)
				}
			}
			break
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // skip malformed events
		}

		if event.Model != "" {
			responseModel = event.Model
		}
		if event.ID != "" {
			responseID = event.ID
		}
		if event.Usage != nil {
			usage = *event.Usage
		}

		for _, choice := range event.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if handler != nil {
					if err := handler(llm.StreamChunk{Content: choice.Delta.Content}); err != nil {
						return nil, fmt.Errorf("stream handler error: %w", err)
					}
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read error: %w", err)
	}

	if responseModel == "" {
		responseModel = model
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return &llm.ChatResponse{
		ID:      responseID,
		Object:  "chat.completion",
		Created: start.Unix(),
		Model:   responseModel,
		Choices: []llm.ChatChoice{{
			Message:      llm.ChatMessage{Role: "assistant", Content: content.String()},
			FinishReason: finishReason,
		}},
		Usage:   usage,
		Latency: time.Since(start),
	}, nil
}

// CreateEmbedding generates vector embeddings.
func (p *Provider) CreateEmbedding(ctx context.Context, req llm.EmbeddingRequest) (*llm.EmbeddingResponse, error) {
	if req.Model == "" {
		req.Model = p.defaultModel
	}

	resp, err := p.do(ctx, http.MethodPost, "/v1/embeddings", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.apiError(resp)
	}

	var embResp llm.EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	return &embResp, nil
}

// HealthCheck verifies the backend answers its model list endpoint.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	models, err := p.Models(ctx)
	result := &llm.HealthCheckResult{
		Latency:     time.Since(start),
		LastChecked: time.Now(),
	}
	if err != nil {
		result.Status = llm.HealthStatusUnhealthy
		result.Message = err.Error()
		return result, nil
	}

	result.Status = llm.HealthStatusHealthy
	for _, m := range models {
		result.Models = append(result.Models, m.ID)
	}
	return result, nil
}

func (p *Provider) applyDefaults(req *llm.ChatRequest) {
	if req.Model == "" {
		req.Model = p.defaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
}

func (p *Provider) do(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		reqBody, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.ProviderError{
			Provider:  p.name,
			Code:      llm.ErrCodeUnavailable,
			Message:   err.Error(),
			Retryable: true,
			Cause:     err,
		}
	}
	return resp, nil
}

// apiError turns a non-200 response into a ProviderError, preserving
// the upstream Retry-After hint on rate limits.
func (p *Provider) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := string(body)
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	provErr := llm.ProviderErrorFromStatus(p.name, resp.StatusCode, message)
	if resp.StatusCode == http.StatusTooManyRequests {
		if after := resp.Header.Get("Retry-After"); after != "" {
			if seconds, err := strconv.Atoi(after); err == nil {
				provErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
	}
	return provErr
}
