// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the Enclava LLM gateway: an OpenAI-compatible
// front door that authenticates callers, atomically reserves estimated
// cost against their budgets, screens prompts, dispatches to
// TEE-hosted providers with retry and circuit breaking, and trues the
// reservation up to the provider-reported usage.
//
// The request pipeline is:
//
//	received -> estimating -> budget_reserving -> screening
//	         -> dispatching -> finalizing -> completed
//
// Budget admission fails closed: if the reservation transaction cannot
// complete, the request is rejected. Everything advisory (screening,
// rate limiting on Redis errors, usage recording) fails open.
package gateway
