// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

// Package budget implements spending-limit enforcement for LLM usage.
//
// The central type is Engine, which reserves an estimated cost against
// every budget applicable to a request before the provider is called and
// trues the figure up once actual token usage is known. Reservations are
// serialized per budget row with SELECT FOR UPDATE so that concurrent
// requests sharing a budget can never jointly overspend it, including
// across multiple gateway processes.
package budget
