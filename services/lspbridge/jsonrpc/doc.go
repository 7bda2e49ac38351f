// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrpc implements the framed JSON-RPC 2.0 transport and client
// used to talk to language servers over stdio.
//
// Wire format:
//
//	Content-Length: 52\r\n
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"initialize",...}
//
// Transport handles framing and drains the server's stderr. Client handles
// request ids, timeouts, notifications and server-initiated requests.
//
// Error taxonomy:
//
//	TransportError     I/O failure on the stream
//	ProtocolError      malformed frame or envelope
//	ErrTimeout         no response before the call deadline
//	ErrConnectionLost  stream ended or failed with calls outstanding
//	RPCError           error response from the server
package jsonrpc
