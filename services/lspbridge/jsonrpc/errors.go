// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for the transport and client.
var (
	// ErrClosed indicates the transport or client was closed locally.
	ErrClosed = errors.New("jsonrpc: closed")

	// ErrEndOfStream indicates the peer closed its output at a frame boundary.
	ErrEndOfStream = errors.New("jsonrpc: end of stream")

	// ErrTimeout indicates no response arrived before the call deadline.
	ErrTimeout = errors.New("jsonrpc: request timed out")

	// ErrConnectionLost indicates the stream or process went away while the
	// call was outstanding.
	ErrConnectionLost = errors.New("jsonrpc: connection lost")

	// ErrWriteStalled indicates the peer stopped accepting input while a
	// frame was being written.
	ErrWriteStalled = errors.New("jsonrpc: peer stopped reading")
)

// Standard JSON-RPC and LSP error codes.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeServerNotInitialized = -32002
	CodeUnknownError         = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// TransportError is an I/O failure on the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("jsonrpc transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed frame or envelope. The stream may still be
// usable afterwards; the client decides when to give up.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("jsonrpc protocol: %s: %v", e.Reason, e.Err)
	}
	return "jsonrpc protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// RPCError is an error response returned by the server.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s failed: rpc error %d: %s", e.Method, e.Code, e.Message)
}

// IsMethodNotFound reports whether the server does not implement the method.
func (e *RPCError) IsMethodNotFound() bool { return e.Code == CodeMethodNotFound }

// IsContentModified reports whether the server discarded the result because
// the document changed underneath it. Safe to retry.
func (e *RPCError) IsContentModified() bool { return e.Code == CodeContentModified }

// IsServerNotInitialized reports a request issued before the handshake.
func (e *RPCError) IsServerNotInitialized() bool { return e.Code == CodeServerNotInitialized }

// IsRPCError reports whether err carries a server error response.
func IsRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}
