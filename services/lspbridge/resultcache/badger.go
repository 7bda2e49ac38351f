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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the embedded BadgerDB tier.
type BadgerConfig struct {
	// Path is the on-disk directory. Ignored when InMemory is set. The
	// directory is wiped on open: cached results never outlive the process.
	Path string `yaml:"path"`

	// InMemory keeps all data in RAM.
	InMemory bool `yaml:"in_memory"`

	// GCInterval is the value log GC period. Zero disables GC.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is passed to RunValueLogGC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" validate:"gte=0,lte=1"`

	// Logger receives badger's internal logs. Nil silences them.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultBadgerConfig returns an in-memory configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true, GCDiscardRatio: 0.5}
}

// BadgerBackend stores entries in BadgerDB with native TTLs.
//
// Values are stored as an 8-byte big-endian expiry (unix nanoseconds)
// followed by the payload.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// badgerLogger adapts slog to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerBackend opens (and for on-disk paths, resets) a BadgerDB.
//
// Outputs:
//
//	*BadgerBackend - Ready to use. Call Close to release the database.
//	error - Non-nil if the directory or database cannot be opened.
func OpenBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	var opts badger.Options
	if cfg.InMemory || cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.RemoveAll(cfg.Path); err != nil {
			return nil, fmt.Errorf("reset cache directory %s: %w", cfg.Path, err)
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(false)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &BadgerBackend{db: db, logger: logger}
	if cfg.GCInterval > 0 && !opts.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		b.stopCh = make(chan struct{})
		b.doneCh = make(chan struct{})
		go b.runGC(cfg.GCInterval, ratio)
	}
	return b, nil
}

func (b *BadgerBackend) Name() string { return "badger" }

func (b *BadgerBackend) Get(_ context.Context, key string) (Entry, bool, error) {
	var entry Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(raw) < 8 {
			return fmt.Errorf("corrupt cache entry for %s", key)
		}
		if ns := int64(binary.BigEndian.Uint64(raw[:8])); ns != 0 {
			entry.ExpiresAt = time.Unix(0, ns)
		}
		entry.Value = raw[8:]
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (b *BadgerBackend) Set(_ context.Context, key string, value []byte, expiresAt time.Time) error {
	raw := make([]byte, 8+len(value))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(raw[:8], uint64(expiresAt.UnixNano()))
	}
	copy(raw[8:], value)

	e := badger.NewEntry([]byte(key), raw)
	if !expiresAt.IsZero() {
		ttl := time.Until(expiresAt)
		if ttl <= 0 {
			return b.Delete(context.Background(), key)
		}
		// Badger TTLs have one-second resolution; round up so the native
		// expiry never precedes the stored one.
		e = e.WithTTL(ttl.Truncate(time.Second) + time.Second)
	}
	return b.db.Update(func(txn *badger.Txn) error { return txn.SetEntry(e) })
}

func (b *BadgerBackend) Delete(_ context.Context, key string) error {
	return b.db.Update(func(txn *badger.Txn) error { return txn.Delete([]byte(key)) })
}

func (b *BadgerBackend) Flush(context.Context) error {
	return b.db.DropAll()
}

// Close stops GC and closes the database.
func (b *BadgerBackend) Close() error {
	if b.stopCh != nil {
		close(b.stopCh)
		<-b.doneCh
		b.stopCh = nil
	}
	return b.db.Close()
}

func (b *BadgerBackend) runGC(interval time.Duration, ratio float64) {
	defer close(b.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			for {
				if err := b.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						b.logger.Debug("badger value log gc", slog.String("error", err.Error()))
					}
					break
				}
			}
		}
	}
}

var _ Backend = (*BadgerBackend)(nil)
