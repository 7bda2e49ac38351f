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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the JSON-RPC version carried in every envelope.
const Version = "2.0"

// =============================================================================
// MESSAGE ID
// =============================================================================

// ID is a JSON-RPC message identifier.
//
// Requests issued by this package always use numeric ids. Servers may use
// string ids for their own requests, so both forms round-trip unchanged.
type ID struct {
	Num      int64
	Str      string
	IsString bool
}

// NumberID returns a numeric ID.
func NumberID(n int64) *ID { return &ID{Num: n} }

// StringID returns a string ID.
func StringID(s string) *ID { return &ID{Str: s, IsString: true} }

func (id ID) String() string {
	if id.IsString {
		return strconv.Quote(id.Str)
	}
	return strconv.FormatInt(id.Num, 10)
}

// MarshalJSON encodes the id as a JSON number or string.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsString {
		return json.Marshal(id.Str)
	}
	return []byte(strconv.FormatInt(id.Num, 10)), nil
}

// UnmarshalJSON accepts a JSON number or string.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{Str: s, IsString: true}
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("id %s is neither an integer nor a string", data)
	}
	*id = ID{Num: n}
	return nil
}

// =============================================================================
// ENVELOPE
// =============================================================================

// Message is the JSON-RPC 2.0 envelope shared by requests, responses and
// notifications.
//
//	id without method  -> response
//	id and method      -> request
//	method without id  -> notification
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsNotification reports whether m is fire-and-forget.
func (m *Message) IsNotification() bool { return m.ID == nil && m.Method != "" }

// IsUnattributedError reports whether m is an error reply with a null id,
// which a peer sends when it could not parse a request far enough to read
// its id.
func (m *Message) IsUnattributedError() bool {
	return m.ID == nil && m.Method == "" && m.Error != nil
}

// describe names m for error messages.
func (m *Message) describe() string {
	switch {
	case m.Method != "" && m.ID != nil:
		return m.Method + " (id " + m.ID.String() + ")"
	case m.Method != "":
		return m.Method
	case m.ID != nil:
		return "response " + m.ID.String()
	default:
		return "message"
	}
}

// validate rejects envelopes that fit none of the three message shapes.
func (m *Message) validate() error {
	if m.JSONRPC != "" && m.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.ID == nil && m.Method == "" && m.Error == nil {
		return fmt.Errorf("envelope has neither id nor method")
	}
	if m.IsResponse() && m.Result != nil && m.Error != nil {
		return fmt.Errorf("response %s carries both result and error", m.ID)
	}
	return nil
}

// ResponseError is the wire form of a JSON-RPC error object.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// newRequest builds a request envelope, encoding params when present.
func newRequest(id *ID, method string, params any) (*Message, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		return raw, nil
	}
}
