// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fingerprint computes content fingerprints for cache keys.
//
// A fingerprint is the hex SHA-256 of a document's bytes. Index memoizes
// fingerprints of files on disk by (size, mtime) and forgets entries when
// a Watcher reports that a file changed, so a cached query result is
// never reused for edited content.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Bytes returns the fingerprint of content.
func Bytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// String returns the fingerprint of content.
func String(content string) string {
	return Bytes([]byte(content))
}

type memo struct {
	size    int64
	modTime time.Time
	sum     string
}

// IndexStats reports memo effectiveness.
type IndexStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Forgotten int64 `json:"forgotten"`
}

// Index memoizes file fingerprints.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]memo

	hits, misses, forgotten atomic.Int64
}

// NewIndex creates an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]memo)}
}

// File returns the fingerprint of the file at path.
//
// Description:
//
//	Stats the file and returns the memoized sum when size and mtime are
//	unchanged. Otherwise reads and hashes the file. A stat is always
//	performed so edits are caught even without a running Watcher.
func (i *Index) File(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("fingerprint %s: is a directory", path)
	}

	i.mu.RLock()
	m, ok := i.entries[abs]
	i.mu.RUnlock()
	if ok && m.size == info.Size() && m.modTime.Equal(info.ModTime()) {
		i.hits.Add(1)
		return m.sum, nil
	}

	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	i.misses.Add(1)
	i.mu.Lock()
	i.entries[abs] = memo{size: info.Size(), modTime: info.ModTime(), sum: sum}
	i.mu.Unlock()
	return sum, nil
}

// Forget drops the memo for path.
func (i *Index) Forget(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	i.mu.Lock()
	_, ok := i.entries[abs]
	delete(i.entries, abs)
	i.mu.Unlock()
	if ok {
		i.forgotten.Add(1)
	}
}

// Len returns the number of memoized files.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.entries)
}

func (i *Index) Stats() IndexStats {
	return IndexStats{
		Entries:   i.Len(),
		Hits:      i.hits.Load(),
		Misses:    i.misses.Load(),
		Forgotten: i.forgotten.Load(),
	}
}
