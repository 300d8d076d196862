// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"enclava/platform/gateway/llm"
)

// contextKey is a private type for request context keys.
type contextKey string

const ctxKeyAuth contextKey = "auth"

func contextWithAuth(ctx context.Context, auth *AuthResult) context.Context {
	return context.WithValue(ctx, ctxKeyAuth, auth)
}

func authFromContext(ctx context.Context) *AuthResult {
	auth, _ := ctx.Value(ctxKeyAuth).(*AuthResult)
	return auth
}

// Handler exposes the gateway over HTTP.
type Handler struct {
	service *Service
	auth    *Authenticator
	limiter *RateLimiter
}

// NewHandler creates the HTTP handler layer.
func NewHandler(service *Service, auth *Authenticator, limiter *RateLimiter) *Handler {
	return &Handler{service: service, auth: auth, limiter: limiter}
}

// RegisterRoutes wires the API onto a router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(h.authMiddleware)
	api.HandleFunc("/chat/completions", h.chatCompletionsHandler).Methods("POST")
	api.HandleFunc("/embeddings", h.embeddingsHandler).Methods("POST")
	api.HandleFunc("/models", h.modelsHandler).Methods("GET")
	api.HandleFunc("/budgets/status", h.budgetStatusHandler).Methods("GET")

	r.HandleFunc("/health", h.healthHandler).Methods("GET")
}

// authMiddleware resolves credentials and applies the rate limit.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, err := h.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeGatewayError(w, NewGatewayError(ErrCodeAuth, StageReceived, "invalid or missing credentials", err))
			return
		}

		identityKey := "user:" + strconv.FormatInt(result.Identity.UserID, 10)
		if result.Identity.APIKeyID != nil {
			identityKey = "key:" + strconv.FormatInt(*result.Identity.APIKeyID, 10)
		}
		if !h.limiter.Allow(r.Context(), identityKey) {
			writeGatewayError(w, NewGatewayError(ErrCodeRateLimited, StageReceived, "rate limit exceeded", nil))
			return
		}

		ctx := contextWithAuth(r.Context(), result)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())

	var req llm.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGatewayError(w, NewGatewayError(ErrCodeValidation, StageReceived, "invalid request body", err))
		return
	}

	if req.Stream {
		h.streamChatCompletion(w, r, auth, req)
		return
	}

	resp, gerr := h.service.ProcessChat(r.Context(), auth, req)
	if gerr != nil {
		writeGatewayError(w, gerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChatCompletion relays provider SSE chunks to the client in the
// OpenAI dialect.
func (h *Handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, auth *AuthResult, req llm.ChatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeGatewayError(w, NewGatewayError(ErrCodeValidation, StageReceived, "streaming not supported by connection", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var headerWritten bool
	_, gerr := h.service.ProcessChatStream(r.Context(), auth, req, func(chunk llm.StreamChunk) error {
		if !headerWritten {
			w.WriteHeader(http.StatusOK)
			headerWritten = true
		}

		if chunk.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return nil
		}

		payload, err := json.Marshal(map[string]interface{}{
			"object":  "chat.completion.chunk",
			"model":   req.Model,
			"choices": []map[string]interface{}{{"index": 0, "delta": map[string]string{"content": chunk.Content}}},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		return nil
	})
	if gerr != nil && !headerWritten {
		writeGatewayError(w, gerr)
	}
}

func (h *Handler) embeddingsHandler(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())

	var req llm.EmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGatewayError(w, NewGatewayError(ErrCodeValidation, StageReceived, "invalid request body", err))
		return
	}

	resp, gerr := h.service.ProcessEmbedding(r.Context(), auth, req)
	if gerr != nil {
		writeGatewayError(w, gerr)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) modelsHandler(w http.ResponseWriter, r *http.Request) {
	models := h.service.registry.Models(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   models,
	})
}

func (h *Handler) budgetStatusHandler(w http.ResponseWriter, r *http.Request) {
	auth := authFromContext(r.Context())

	status, err := h.service.BudgetStatus(r.Context(), auth.Identity)
	if err != nil {
		writeGatewayError(w, NewGatewayError(ErrCodeInternal, StageReceived, "failed to load budget status", err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) healthHandler(w http.ResponseWriter, r *http.Request) {
	report := h.service.Health(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeGatewayError(w http.ResponseWriter, gerr *GatewayError) {
	writeJSON(w, gerr.HTTPStatus(), map[string]interface{}{
		"error": gerr,
	})
}
