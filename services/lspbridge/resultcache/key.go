// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resultcache caches language server query results keyed by
// content fingerprint, query position and query kind.
//
// Expiry is checked lazily on every read. Backend failures degrade to
// misses and never reach the caller.
package resultcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// NewKey returns a stable cache key for one query against one version of a
// file's content.
//
// Description:
//
//	The key is a hex SHA-256 over length-prefixed fields, so ("ab","c") and
//	("a","bc") never collide. Any change to the content fingerprint yields
//	a new key, which lets stale entries expire passively.
//
// Inputs:
//
//	fingerprint - Content fingerprint of the file (or workspace for
//	              workspace-wide queries).
//	positionOrQuery - "line:character", or the workspace symbol query.
//	kind - Query kind, e.g. "definition".
//
// Outputs:
//
//	string - 64 hex characters.
func NewKey(fingerprint, positionOrQuery, kind string) string {
	h := sha256.New()
	var lenBuf [8]byte
	for _, field := range []string{fingerprint, positionOrQuery, kind} {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(field)))
		h.Write(lenBuf[:])
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}
