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
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/lspbridge/services/lspbridge/internal/ring"
)

const (
	defaultTailLines    = 50
	defaultMaxLineBytes = 4 << 10
	defaultLogRate      = 20
	defaultLogBurst     = 50
)

// DrainOption configures an error stream drain.
type DrainOption func(*errorDrain)

// WithTailLines sets how many recent lines StderrTail keeps.
func WithTailLines(n int) DrainOption {
	return func(d *errorDrain) { d.tail = ring.New[string](n) }
}

// WithLogRate limits how many stderr lines per second reach the logger.
// Lines over the limit are still drained and kept in the tail.
func WithLogRate(perSecond float64, burst int) DrainOption {
	return func(d *errorDrain) { d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithDrainLabel adds a "stream" attribute to logged lines.
func WithDrainLabel(label string) DrainOption {
	return func(d *errorDrain) { d.logger = d.logger.With(slog.String("stream", label)) }
}

// errorDrain reads a stream to completion so the writer never blocks.
type errorDrain struct {
	r          io.Reader
	logger     *slog.Logger
	limiter    *rate.Limiter
	tail       *ring.Buffer[string]
	maxLine    int
	bytes      atomic.Int64
	suppressed int
	done       chan struct{}
}

func newErrorDrain(r io.Reader, logger *slog.Logger, opts ...DrainOption) *errorDrain {
	d := &errorDrain{
		r:       r,
		logger:  logger,
		limiter: rate.NewLimiter(defaultLogRate, defaultLogBurst),
		tail:    ring.New[string](defaultTailLines),
		maxLine: defaultMaxLineBytes,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// run reads until the stream ends. Lines longer than maxLine are truncated
// but still consumed in full.
func (d *errorDrain) run() {
	defer close(d.done)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("stderr drain panicked", slog.Any("panic", r))
		}
	}()

	br := bufio.NewReaderSize(d.r, 32<<10)
	line := make([]byte, 0, 256)
	for {
		chunk, err := br.ReadSlice('\n')
		d.bytes.Add(int64(len(chunk)))
		if room := d.maxLine - len(line); room > 0 {
			line = append(line, chunk[:min(room, len(chunk))]...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if len(line) > 0 {
			d.emit(string(bytes.TrimRight(line, "\r\n")))
			line = line[:0]
		}
		if err != nil {
			return
		}
	}
}

func (d *errorDrain) emit(text string) {
	if text == "" {
		return
	}
	d.tail.Push(text)

	if !d.limiter.Allow() {
		d.suppressed++
		return
	}
	attrs := []any{slog.String("line", text)}
	if d.suppressed > 0 {
		attrs = append(attrs, slog.Int("suppressed", d.suppressed))
		d.suppressed = 0
	}
	d.logger.Debug("server stderr", attrs...)
}

// stop closes the stream when possible and waits briefly for run to return.
func (d *errorDrain) stop() {
	if c, ok := d.r.(io.Closer); ok {
		_ = c.Close()
	}
	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		d.logger.Warn("stderr drain did not stop after close")
	}
}
