// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Enclava Gateway service.
//
// The Gateway is the OpenAI-compatible front door to TEE-hosted models:
// - Authenticates API keys and session tokens
// - Atomically reserves estimated cost against user budgets
// - Screens prompts for injection patterns (advisory)
// - Dispatches to providers with retry and circuit breaking
// - Trues reservations up to provider-reported usage
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - Redis URL for distributed rate limiting (optional)
//	JWT_SECRET - secret for session token verification (optional)
//	TEE_BASE_URL - TEE provider endpoint
//	TEE_API_KEY - TEE provider credential
package main

import (
	"enclava/platform/gateway"
)

func main() {
	gateway.Run()
}
