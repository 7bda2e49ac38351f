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
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/jsonrpc"
	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

// statusFor maps a Registry or Manager error to an HTTP status and code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, lsp.ErrUnsupportedLanguage):
		return http.StatusBadRequest, CodeUnknownLanguage
	case errors.Is(err, lsp.ErrUnsupportedQuery):
		return http.StatusBadRequest, CodeUnsupported
	case errors.Is(err, lsp.ErrShutdown):
		return http.StatusServiceUnavailable, CodeShuttingDown
	case breaker.IsOpen(err):
		return http.StatusServiceUnavailable, CodeCircuitOpen
	case errors.Is(err, lsp.ErrUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, jsonrpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case jsonrpc.IsRPCError(err), errors.Is(err, lsp.ErrInvalidResponse):
		return http.StatusBadGateway, CodeUpstream
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// abortWithError writes the mapped error, setting Retry-After when the
// failure is transient.
func abortWithError(c *gin.Context, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: c.GetString(requestIDKey),
	}
	if status == http.StatusServiceUnavailable {
		if d, ok := lsp.RetryAfter(err); ok {
			resp.RetryAfterSeconds = retryAfterSeconds(d)
			c.Header("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
		}
	}
	c.AbortWithStatusJSON(status, resp)
}
