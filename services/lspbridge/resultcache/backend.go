// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resultcache

import (
	"context"
	"time"
)

// Entry is a stored value with its absolute expiry.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Backend is a storage tier for the cache.
//
// Implementations may fail; the Cache turns every failure into a miss.
// Backends are expected to honour expiresAt natively where they can, but
// the Cache re-checks expiry on read regardless.
type Backend interface {
	// Name identifies the backend in logs, events and stats.
	Name() string

	// Get returns the entry for key. ok is false when absent.
	Get(ctx context.Context, key string) (entry Entry, ok bool, err error)

	// Set stores value until expiresAt, replacing any existing entry.
	Set(ctx context.Context, key string, value []byte, expiresAt time.Time) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Flush removes every entry owned by this backend.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
