// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
	"github.com/AleutianAI/lspbridge/services/lspbridge/resultcache"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable identifier.
	Code string `json:"code,omitempty"`

	// RetryAfterSeconds mirrors the Retry-After header.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// QueryRequest is the body of POST /v1/lsp/query.
type QueryRequest struct {
	lsp.QueryRequest

	// TimeoutMS overrides the server's request timeout.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// HealthResponse is returned by GET /v1/lsp/health.
type HealthResponse struct {
	Status    string       `json:"status"`
	Workspace string       `json:"workspace"`
	Running   []string     `json:"running"`
	Languages []lsp.Health `json:"languages"`
}

// RestartResponse is returned by POST /v1/lsp/:language/restart.
type RestartResponse struct {
	Language string     `json:"language"`
	Health   lsp.Health `json:"health"`
}

// FlushResponse is returned by POST /v1/lsp/cache/flush.
type FlushResponse struct {
	Flushed bool              `json:"flushed"`
	Stats   resultcache.Stats `json:"stats"`
}

// Error codes.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeUnsupported         = "UNSUPPORTED"
	CodeUnknownLanguage     = "UNKNOWN_LANGUAGE"
	CodeUnavailable         = "SERVER_UNAVAILABLE"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeTimeout             = "TIMEOUT"
	CodeUpstream            = "LANGUAGE_SERVER_ERROR"
	CodeShuttingDown        = "SHUTTING_DOWN"
	CodeCacheDisabled       = "CACHE_DISABLED"
	CodeCacheFlushFailed    = "CACHE_FLUSH_FAILED"
	CodeEventStreamDisabled = "EVENTS_DISABLED"
	CodeInternal            = "INTERNAL"
)
