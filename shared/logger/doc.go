// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

// Package logger provides structured JSON logging for Enclava services.
// Entries are written to stdout so the container runtime captures them.
package logger
