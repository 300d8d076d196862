// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"enclava/platform/gateway/budget"
	"enclava/platform/gateway/llm"
	"enclava/platform/gateway/llm/sdk"
	"enclava/platform/gateway/security"
	"enclava/platform/shared/logger"
)

// Orchestration stages, recorded in logs and error payloads so a failed
// request names where in the pipeline it died.
const (
	StageReceived        = "received"
	StageEstimating      = "estimating"
	StageBudgetReserving = "budget_reserving"
	StageScreening       = "screening"
	StageDispatching     = "dispatching"
	StageFinalizing      = "finalizing"
	StageCompleted       = "completed"
)

// Endpoint names used for budget scoping and metrics.
const (
	EndpointChatCompletions = "/v1/chat/completions"
	EndpointEmbeddings      = "/v1/embeddings"
)

// Service orchestrates one LLM request end to end: estimate, reserve,
// screen, dispatch, finalize, record.
type Service struct {
	engine     *budget.Engine
	registry   *llm.Registry
	resilience *sdk.ResilienceManager
	screener   *security.Screener
	recorder   *UsageRecorder
	keys       APIKeyStore
	log        *logger.Logger

	providerTimeout time.Duration
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithProviderTimeout bounds each upstream provider call.
func WithProviderTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.providerTimeout = d
	}
}

// WithAPIKeyStore enables per-key running totals.
func WithAPIKeyStore(keys APIKeyStore) ServiceOption {
	return func(s *Service) {
		s.keys = keys
	}
}

// NewService wires the orchestrator.
func NewService(engine *budget.Engine, registry *llm.Registry, resilience *sdk.ResilienceManager, screener *security.Screener, recorder *UsageRecorder, opts ...ServiceOption) *Service {
	s := &Service{
		engine:          engine,
		registry:        registry,
		resilience:      resilience,
		screener:        screener,
		recorder:        recorder,
		log:             logger.New("gateway"),
		providerTimeout: 120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessChat runs a non-streaming chat completion through the full
// pipeline.
func (s *Service) ProcessChat(ctx context.Context, auth *AuthResult, req llm.ChatRequest) (*ChatResponse, *GatewayError) {
	return s.processChat(ctx, auth, req, nil)
}

// ProcessChatStream runs a streaming chat completion. Budget
// reservation happens before the first byte is streamed; finalization
// uses the usage reported on the final stream event.
func (s *Service) ProcessChatStream(ctx context.Context, auth *AuthResult, req llm.ChatRequest, handler llm.StreamHandler) (*ChatResponse, *GatewayError) {
	return s.processChat(ctx, auth, req, handler)
}

func (s *Service) processChat(ctx context.Context, auth *AuthResult, req llm.ChatRequest, handler llm.StreamHandler) (*ChatResponse, *GatewayError) {
	start := time.Now()
	requestID := uuid.NewString()

	if len(req.Messages) == 0 {
		return nil, NewGatewayError(ErrCodeValidation, StageReceived, "messages must not be empty", nil)
	}
	if req.Model == "" {
		return nil, NewGatewayError(ErrCodeValidation, StageReceived, "model is required", nil)
	}

	// Estimate: prompt tokens from text, response tokens from the
	// request ceiling. Overestimating is fine, finalization trues up.
	promptEstimate := budget.EstimateTokens(req.PromptText())
	responseEstimate := req.MaxTokens
	if responseEstimate <= 0 {
		responseEstimate = 1024
	}
	estimatedTokens := promptEstimate + responseEstimate

	// Reserve.
	check, err := s.engine.AtomicCheckAndReserve(ctx, auth.Identity, req.Model, estimatedTokens, EndpointChatCompletions)
	if err != nil {
		promBudgetUnavailable.Inc()
		s.failRecord(requestID, auth, req.Model, EndpointChatCompletions, start, ErrCodeBudgetUnavailable)
		return nil, NewGatewayError(ErrCodeBudgetUnavailable, StageBudgetReserving, "budget check temporarily unavailable", err)
	}
	if !check.Allowed {
		promBudgetRejections.Inc()
		s.failRecord(requestID, auth, req.Model, EndpointChatCompletions, start, ErrCodeBudgetExceeded)
		return nil, NewGatewayError(ErrCodeBudgetExceeded, StageBudgetReserving, check.Reason, nil)
	}
	if len(check.Warnings) > 0 {
		promBudgetWarnings.Add(float64(len(check.Warnings)))
		for _, w := range check.Warnings {
			s.log.Warn(requestID, "budget warning threshold crossed", map[string]interface{}{
				"budget_id":   w.BudgetID,
				"budget_name": w.BudgetName,
				"percentage":  w.Percentage,
			})
		}
	}

	// Screen. Advisory only: results are logged and counted, never
	// block.
	screenResult := s.screenChat(requestID, req)

	// Dispatch.
	capability := llm.CapabilityChat
	if handler != nil {
		capability = llm.CapabilityStreaming
	}
	provider, perr := s.registry.ForModelWithCapability(req.Model, capability)
	if perr != nil {
		s.failRecord(requestID, auth, req.Model, EndpointChatCompletions, start, ErrCodeValidation)
		return nil, NewGatewayError(ErrCodeValidation, StageDispatching, perr.Error(), perr)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	resp, callErr := sdk.Execute(callCtx, s.resilience, provider.Name(), func(ctx context.Context) (*llm.ChatResponse, error) {
		if handler != nil {
			return provider.CreateChatCompletionStream(ctx, req, handler)
		}
		return provider.CreateChatCompletion(ctx, req)
	})
	if callErr != nil {
		// The reservation is deliberately NOT rolled back: the
		// estimate stays charged. Failed calls are rare and the bias
		// keeps concurrent admission conservative.
		s.recordProviderError(provider.Name(), callErr)
		s.failRecord(requestID, auth, req.Model, EndpointChatCompletions, start, ErrCodeProviderUnavailable)
		return nil, NewGatewayError(ErrCodeProviderUnavailable, StageDispatching, "llm provider request failed", callErr)
	}

	// Finalize: true the reservation up to reported usage.
	s.finalize(ctx, requestID, auth, req.Model, EndpointChatCompletions, check.Reservation, resp.Usage, provider.Name(), screenResult, start)

	return &ChatResponse{
		ChatResponse: resp,
		Enclava:      annotations(check.Warnings, screenResult),
	}, nil
}

// ProcessEmbedding runs an embedding request through the same pipeline.
func (s *Service) ProcessEmbedding(ctx context.Context, auth *AuthResult, req llm.EmbeddingRequest) (*EmbeddingResponse, *GatewayError) {
	start := time.Now()
	requestID := uuid.NewString()

	if len(req.Input) == 0 {
		return nil, NewGatewayError(ErrCodeValidation, StageReceived, "input must not be empty", nil)
	}
	if req.Model == "" {
		return nil, NewGatewayError(ErrCodeValidation, StageReceived, "model is required", nil)
	}

	estimatedTokens := 0
	for _, text := range req.Input {
		estimatedTokens += budget.EstimateTokens(text)
	}

	check, err := s.engine.AtomicCheckAndReserve(ctx, auth.Identity, req.Model, estimatedTokens, EndpointEmbeddings)
	if err != nil {
		promBudgetUnavailable.Inc()
		s.failRecord(requestID, auth, req.Model, EndpointEmbeddings, start, ErrCodeBudgetUnavailable)
		return nil, NewGatewayError(ErrCodeBudgetUnavailable, StageBudgetReserving, "budget check temporarily unavailable", err)
	}
	if !check.Allowed {
		promBudgetRejections.Inc()
		s.failRecord(requestID, auth, req.Model, EndpointEmbeddings, start, ErrCodeBudgetExceeded)
		return nil, NewGatewayError(ErrCodeBudgetExceeded, StageBudgetReserving, check.Reason, nil)
	}

	// Embedding inputs are screened the same as chat prompts. Vectors
	// of injected text are stored and replayed later, so the advisory
	// trail matters here too.
	screenResult := s.screenInputs(requestID, req.Input)

	provider, perr := s.registry.ForModelWithCapability(req.Model, llm.CapabilityEmbeddings)
	if perr != nil {
		s.failRecord(requestID, auth, req.Model, EndpointEmbeddings, start, ErrCodeValidation)
		return nil, NewGatewayError(ErrCodeValidation, StageDispatching, perr.Error(), perr)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	resp, callErr := sdk.Execute(callCtx, s.resilience, provider.Name(), func(ctx context.Context) (*llm.EmbeddingResponse, error) {
		return provider.CreateEmbedding(ctx, req)
	})
	if callErr != nil {
		s.recordProviderError(provider.Name(), callErr)
		s.failRecord(requestID, auth, req.Model, EndpointEmbeddings, start, ErrCodeProviderUnavailable)
		return nil, NewGatewayError(ErrCodeProviderUnavailable, StageDispatching, "llm provider request failed", callErr)
	}

	s.finalize(ctx, requestID, auth, req.Model, EndpointEmbeddings, check.Reservation, resp.Usage, provider.Name(), screenResult, start)

	return &EmbeddingResponse{
		EmbeddingResponse: resp,
		Enclava:           annotations(check.Warnings, screenResult),
	}, nil
}

// screenChat runs the advisory screener over every message.
func (s *Service) screenChat(requestID string, req llm.ChatRequest) security.Result {
	results := make([]security.Result, 0, len(req.Messages))
	for _, msg := range req.Messages {
		results = append(results, s.screener.ValidatePromptSecurity(msg.Content, msg.Role))
	}
	return s.combineScreenResults(requestID, results)
}

// screenInputs screens embedding inputs, which carry no role of their
// own and are treated as user content.
func (s *Service) screenInputs(requestID string, inputs []string) security.Result {
	results := make([]security.Result, 0, len(inputs))
	for _, text := range inputs {
		results = append(results, s.screener.ValidatePromptSecurity(text, "user"))
	}
	return s.combineScreenResults(requestID, results)
}

// combineScreenResults folds per-text results into one: the maximum
// risk score and every detection.
func (s *Service) combineScreenResults(requestID string, results []security.Result) security.Result {
	combined := security.Result{IsSafe: true}
	for _, result := range results {
		if result.RiskScore > combined.RiskScore {
			combined.RiskScore = result.RiskScore
		}
		combined.Detections = append(combined.Detections, result.Detections...)
	}

	for _, d := range combined.Detections {
		promSecurityDetections.WithLabelValues(string(d.Type)).Inc()
	}
	if len(combined.Detections) > 0 {
		s.log.Warn(requestID, "advisory security detections", map[string]interface{}{
			"risk_score": combined.RiskScore,
			"count":      len(combined.Detections),
		})
	}
	return combined
}

// finalize trues up the reservation, bumps key totals, and emits the
// usage record. Finalization failures are logged but do not fail the
// request: the caller already has their completion.
func (s *Service) finalize(ctx context.Context, requestID string, auth *AuthResult, model, endpoint string, reservation budget.Reservation, usage llm.Usage, providerName string, screenResult security.Result, start time.Time) {
	actualCost := s.engine.Pricing().EstimateCost(model, usage.PromptTokens, usage.CompletionTokens)

	if _, err := s.engine.AtomicFinalizeUsage(ctx, reservation, auth.Identity, model, usage.PromptTokens, usage.CompletionTokens, endpoint); err != nil {
		s.log.Error(requestID, "usage finalization failed", map[string]interface{}{
			"error": err.Error(),
			"model": model,
		})
	}

	totalTokens := int64(usage.TotalTokens)
	if totalTokens == 0 {
		totalTokens = int64(usage.PromptTokens + usage.CompletionTokens)
	}

	if s.keys != nil && auth.APIKey != nil {
		if err := s.keys.RecordUsage(ctx, auth.APIKey.ID, totalTokens, actualCost); err != nil {
			s.log.Error(requestID, "api key usage update failed", map[string]interface{}{
				"error":      err.Error(),
				"api_key_id": auth.APIKey.ID,
			})
		}
	}

	var detections json.RawMessage
	if len(screenResult.Detections) > 0 {
		detections, _ = json.Marshal(screenResult.Detections)
	}

	s.recorder.Record(&UsageRecord{
		RequestID:      requestID,
		UserID:         auth.Identity.UserID,
		APIKeyID:       auth.Identity.APIKeyID,
		Endpoint:       endpoint,
		Model:          model,
		Provider:       providerName,
		PromptTokens:   usage.PromptTokens,
		ResponseTokens: usage.CompletionTokens,
		CostCents:      actualCost,
		DurationMS:     time.Since(start).Milliseconds(),
		Status:         StageCompleted,
		RiskScore:      screenResult.RiskScore,
		Detections:     detections,
	})

	s.log.InfoWithDuration(requestID, "request completed", float64(time.Since(start).Milliseconds()), map[string]interface{}{
		"model":      model,
		"provider":   providerName,
		"cost_cents": actualCost,
		"tokens":     usage.TotalTokens,
	})
}

// failRecord emits a usage record for a failed request. Failed requests
// carry zero cost in the usage table; whatever was reserved stays on
// the budget.
func (s *Service) failRecord(requestID string, auth *AuthResult, model, endpoint string, start time.Time, code ErrorCode) {
	s.recorder.Record(&UsageRecord{
		RequestID:  requestID,
		UserID:     auth.Identity.UserID,
		APIKeyID:   auth.Identity.APIKeyID,
		Endpoint:   endpoint,
		Model:      model,
		DurationMS: time.Since(start).Milliseconds(),
		Status:     "failed",
		ErrorCode:  string(code),
	})
}

func (s *Service) recordProviderError(providerName string, err error) {
	code := llm.ErrCodeServerError
	var provErr *llm.ProviderError
	if errors.As(err, &provErr) {
		code = provErr.Code
	}
	promProviderErrors.WithLabelValues(providerName, code).Inc()
}

// Status aggregates component health for the /health endpoint.
type HealthReport struct {
	Status     string                           `json:"status"`
	Budget     bool                             `json:"budget_engine"`
	Providers  map[string]llm.HealthCheckResult `json:"providers"`
	Resilience map[string]sdk.ProviderStats     `json:"resilience,omitempty"`
	Timestamp  time.Time                        `json:"timestamp"`
}

// Health reports gateway component health. Rolling success rates from
// the resilience layer are folded into each provider's snapshot.
func (s *Service) Health(ctx context.Context) HealthReport {
	providers := s.registry.Health()
	stats := s.resilience.Stats()
	for name, h := range providers {
		if st, ok := stats[name]; ok {
			h.SuccessRate = st.SuccessRate
			providers[name] = h
		}
	}

	report := HealthReport{
		Status:     "ok",
		Budget:     s.engine.IsHealthy(ctx),
		Providers:  providers,
		Resilience: stats,
		Timestamp:  time.Now(),
	}
	if !report.Budget {
		report.Status = "degraded"
	}
	for _, h := range report.Providers {
		if h.Status == llm.HealthStatusUnhealthy {
			report.Status = "degraded"
		}
	}
	return report
}

// BudgetStatus proxies the engine's status aggregation.
func (s *Service) BudgetStatus(ctx context.Context, identity budget.Identity) (*budget.Status, error) {
	status, err := s.engine.GetStatus(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("failed to load budget status: %w", err)
	}
	return status, nil
}
