// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/jsonrpc"
	"github.com/AleutianAI/lspbridge/services/lspbridge/process"
)

// Sentinel errors for LSP operations.
var (
	// ErrUnavailable matches every *UnavailableError.
	ErrUnavailable = errors.New("language server unavailable")

	// ErrUnsupportedLanguage indicates no configuration exists for the language.
	ErrUnsupportedLanguage = errors.New("no lsp configuration for language")

	// ErrShutdown is returned after Shutdown or ShutdownAll.
	ErrShutdown = errors.New("lsp manager shut down")

	// ErrRestartsExhausted is the cause recorded when the restart budget runs out.
	ErrRestartsExhausted = errors.New("lsp restart attempts exhausted")

	// ErrServerCrashed indicates the server process terminated unexpectedly.
	ErrServerCrashed = errors.New("lsp server crashed")

	// ErrInitializeFailed indicates the initialize handshake failed.
	ErrInitializeFailed = errors.New("lsp initialize failed")

	// ErrUnsupportedQuery indicates an unknown query kind or one the server
	// did not advertise.
	ErrUnsupportedQuery = errors.New("query not supported")

	// ErrInvalidResponse indicates a result could not be parsed.
	ErrInvalidResponse = errors.New("invalid lsp response")
)

// UnavailableError reports that a server cannot take requests right now.
type UnavailableError struct {
	Language string

	// RetryAfter is the time until the next scheduled restart. Zero when
	// unknown or Terminal.
	RetryAfter time.Duration

	// Terminal means no automatic restart will happen. Only Restart
	// (operator action) can bring the server back.
	Terminal bool

	Cause error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("%s language server unavailable", e.Language)
	switch {
	case e.Terminal:
		msg += " (restarts exhausted)"
	case e.RetryAfter > 0:
		msg += fmt.Sprintf(" (retry in %s)", e.RetryAfter.Round(time.Millisecond))
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is a transient condition a caller may
// retry later: an unavailable (non-terminal) server, an open circuit, or
// a timeout. Degraded callers treat everything else as "no enrichment".
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return !unavailable.Terminal
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.IsContentModified() || rpcErr.IsServerNotInitialized()
	}
	return breaker.IsOpen(err) ||
		errors.Is(err, jsonrpc.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// RetryAfter extracts a retry hint from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) && !unavailable.Terminal {
		return unavailable.RetryAfter, true
	}
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return open.RetryAfter, true
	}
	return 0, false
}

// countsAgainstServer decides which dispatch errors feed the circuit
// breaker. A server that answers with an error reply is alive, and caller
// cancellation says nothing about the server.
func countsAgainstServer(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if jsonrpc.IsRPCError(err) || errors.Is(err, ErrUnsupportedQuery) {
		return false
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) && errors.Is(unavailable.Cause, process.ErrNotInstalled) {
		return false
	}
	return true
}

// isConnectionFailure reports errors that mean the session is unusable.
func isConnectionFailure(err error) bool {
	if errors.Is(err, jsonrpc.ErrConnectionLost) || errors.Is(err, jsonrpc.ErrClosed) {
		return true
	}
	var terr *jsonrpc.TransportError
	var perr *jsonrpc.ProtocolError
	return errors.As(err, &terr) || errors.As(err, &perr)
}
