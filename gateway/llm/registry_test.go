// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockProvider implements Provider for registry tests.
type mockProvider struct {
	name         string
	models       []ModelInfo
	modelsErr    error
	healthErr    error
	capabilities []Capability
}

func (m *mockProvider) Name() string       { return m.name }
func (m *mockProvider) Type() ProviderType { return ProviderTypeMock }

func (m *mockProvider) Capabilities() []Capability {
	if m.capabilities != nil {
		return m.capabilities
	}
	return []Capability{CapabilityChat, CapabilityStreaming}
}

func (m *mockProvider) Models(ctx context.Context) ([]ModelInfo, error) {
	return m.models, m.modelsErr
}

func (m *mockProvider) CreateChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{
		Model:   req.Model,
		Choices: []ChatChoice{{Message: ChatMessage{Role: "assistant", Content: "ok"}}},
	}, nil
}

func (m *mockProvider) CreateChatCompletionStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*ChatResponse, error) {
	return m.CreateChatCompletion(ctx, req)
}

func (m *mockProvider) CreateEmbedding(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	return &EmbeddingResponse{Model: req.Model}, nil
}

func (m *mockProvider) HealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	if m.healthErr != nil {
		return nil, m.healthErr
	}
	return &HealthCheckResult{Status: HealthStatusHealthy, LastChecked: time.Now()}, nil
}

var _ Provider = (*mockProvider)(nil)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	p := &mockProvider{name: "tee-primary"}

	if err := r.Register(p, ProviderConfig{Name: "tee-primary"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.Get("tee-primary")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name() != "tee-primary" {
		t.Errorf("name = %q", got.Name())
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("err = %v, want ErrProviderNotFound", err)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	p := &mockProvider{name: "tee"}

	if err := r.Register(p, ProviderConfig{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(p, ProviderConfig{}); !errors.Is(err, ErrDuplicateProvider) {
		t.Errorf("err = %v, want ErrDuplicateProvider", err)
	}
}

func TestRegistryModelRouting(t *testing.T) {
	r := NewRegistry()
	primary := &mockProvider{name: "tee-primary"}
	secondary := &mockProvider{name: "tee-secondary"}

	if err := r.Register(primary, ProviderConfig{Models: []string{"tee-llama-3-70b"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(secondary, ProviderConfig{Models: []string{"tee-embed-small"}}); err != nil {
		t.Fatal(err)
	}

	// Explicit route wins.
	p, err := r.ForModel("tee-embed-small")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "tee-secondary" {
		t.Errorf("provider = %q, want tee-secondary", p.Name())
	}

	// Unrouted models fall back to the default (first registered).
	p, err = r.ForModel("unknown-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "tee-primary" {
		t.Errorf("provider = %q, want default tee-primary", p.Name())
	}
}

func TestRegistryFirstClaimantKeepsRoute(t *testing.T) {
	r := NewRegistry()
	first := &mockProvider{name: "first"}
	second := &mockProvider{name: "second"}

	if err := r.Register(first, ProviderConfig{Models: []string{"shared-model"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(second, ProviderConfig{Models: []string{"shared-model"}}); err != nil {
		t.Fatal(err)
	}

	p, err := r.ForModel("shared-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "first" {
		t.Errorf("provider = %q, want the first claimant", p.Name())
	}
}

func TestRegistryLiveModelListRouting(t *testing.T) {
	r := NewRegistry()
	primary := &mockProvider{name: "primary"}
	secondary := &mockProvider{
		name:   "secondary",
		models: []ModelInfo{{ID: "special-model"}},
	}
	r.Register(primary, ProviderConfig{})
	r.Register(secondary, ProviderConfig{})

	// Before any live listing, the unrouted model goes to the default.
	p, err := r.ForModel("special-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "primary" {
		t.Errorf("provider = %q, want default before live listing", p.Name())
	}

	// Once a provider reports the model in its live list, it claims it.
	r.Models(context.Background())
	p, err = r.ForModel("special-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "secondary" {
		t.Errorf("provider = %q, want the live-list claimant", p.Name())
	}
}

func TestRegistryCapabilityRouting(t *testing.T) {
	r := NewRegistry()
	chatOnly := &mockProvider{
		name:         "chat-only",
		capabilities: []Capability{CapabilityChat},
	}
	embedder := &mockProvider{
		name:         "embedder",
		capabilities: []Capability{CapabilityEmbeddings},
		models:       []ModelInfo{{ID: "tee-embed-small"}},
	}
	r.Register(chatOnly, ProviderConfig{})
	r.Register(embedder, ProviderConfig{})
	r.Models(context.Background())

	// The default lacks embeddings, so the capable provider wins.
	p, err := r.ForModelWithCapability("tee-embed-small", CapabilityEmbeddings)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "embedder" {
		t.Errorf("provider = %q, want embedder", p.Name())
	}

	// No provider advertises streaming for this model.
	if _, err := r.ForModelWithCapability("tee-embed-small", CapabilityStreaming); !errors.Is(err, ErrNoProviderForModel) {
		t.Errorf("err = %v, want ErrNoProviderForModel", err)
	}
}

func TestRegistrySetDefault(t *testing.T) {
	r := NewRegistry()
	a := &mockProvider{name: "a"}
	b := &mockProvider{name: "b"}
	r.Register(a, ProviderConfig{})
	r.Register(b, ProviderConfig{})

	if err := r.SetDefault("b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, _ := r.ForModel("anything")
	if p.Name() != "b" {
		t.Errorf("default = %q, want b", p.Name())
	}

	if err := r.SetDefault("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("err = %v, want ErrProviderNotFound", err)
	}
}

func TestRegistryForModelEmpty(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ForModel("anything"); !errors.Is(err, ErrNoProviderForModel) {
		t.Errorf("err = %v, want ErrNoProviderForModel", err)
	}
}

func TestRegistryModelsAggregation(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{
		name:   "a",
		models: []ModelInfo{{ID: "model-b"}, {ID: "model-a"}},
	}, ProviderConfig{})
	r.Register(&mockProvider{
		name:      "down",
		modelsErr: errors.New("unreachable"),
	}, ProviderConfig{})

	models := r.Models(context.Background())
	if len(models) != 2 {
		t.Fatalf("models = %d, want 2 (failing provider skipped)", len(models))
	}
	if models[0].ID != "model-a" || models[1].ID != "model-b" {
		t.Errorf("models not sorted: %v", models)
	}
	if models[0].Provider != "a" {
		t.Errorf("provider tag = %q, want a", models[0].Provider)
	}
}

func TestRegistryHealth(t *testing.T) {
	r := NewRegistry()
	r.Register(&mockProvider{name: "up"}, ProviderConfig{})
	r.Register(&mockProvider{name: "down", healthErr: errors.New("dead")}, ProviderConfig{})

	// Before any check, everything is unknown.
	health := r.Health()
	if health["up"].Status != HealthStatusUnknown {
		t.Errorf("status = %v, want unknown before first check", health["up"].Status)
	}

	results := r.CheckHealth(context.Background())
	if results["up"].Status != HealthStatusHealthy {
		t.Errorf("up status = %v, want healthy", results["up"].Status)
	}
	if results["down"].Status != HealthStatusUnhealthy {
		t.Errorf("down status = %v, want unhealthy", results["down"].Status)
	}

	// Cached snapshot reflects the check.
	health = r.Health()
	if health["down"].Status != HealthStatusUnhealthy {
		t.Errorf("cached down status = %v, want unhealthy", health["down"].Status)
	}
}

func TestProviderErrorFromStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  string
		retryable bool
	}{
		{401, ErrCodeAuth, false},
		{403, ErrCodeAuth, false},
		{404, ErrCodeModelNotFound, false},
		{408, ErrCodeTimeout, true},
		{429, ErrCodeRateLimit, true},
		{400, ErrCodeInvalidRequest, false},
		{500, ErrCodeServerError, true},
		{503, ErrCodeServerError, true},
	}

	for _, tt := range tests {
		err := ProviderErrorFromStatus("tee", tt.status, "msg")
		if err.Code != tt.wantCode {
			t.Errorf("status %d: code = %q, want %q", tt.status, err.Code, tt.wantCode)
		}
		if err.Retryable != tt.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tt.status, err.Retryable, tt.retryable)
		}
	}
}

func TestChatRequestPromptText(t *testing.T) {
	req := ChatRequest{Messages: []ChatMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	}}
	if got := req.PromptText(); got != "be brief\nhello" {
		t.Errorf("prompt text = %q", got)
	}
}
