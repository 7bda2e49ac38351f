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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	// DefaultMaxMessageSize bounds a single message body.
	DefaultMaxMessageSize = 64 << 20

	headerContentLength = "content-length"
	readBufferSize      = 64 << 10
	maxHeaderLines      = 32
)

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport frames JSON-RPC messages over a byte stream using the
// Content-Length header convention.
//
// Description:
//
//	One Transport wraps one peer: typically the stdout (r) and stdin (w) of
//	a language server process. Recv must be called from a single goroutine.
//	Send may be called concurrently; each message is written with a single
//	Write call while holding the send slot so frames never interleave.
//
//	A peer that stops reading its input eventually blocks every write.
//	SendContext bounds the wait; a write abandoned half way leaves the
//	stream unusable, so the transport closes its writer and every later
//	send fails with ErrWriteStalled.
//
// Thread Safety:
//
//	Send, SendContext and Close are safe for concurrent use. Recv is
//	single-reader.
type Transport struct {
	r       *bufio.Reader
	w       io.Writer
	wc      io.Closer
	closers []io.Closer
	maxSize int
	logger  *slog.Logger

	// sendSlot holds one token while a frame is being written.
	sendSlot chan struct{}
	stalled  atomic.Bool
	closed   atomic.Bool
	once     sync.Once

	drainMu sync.Mutex
	drains  []*errorDrain
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithMaxMessageSize overrides DefaultMaxMessageSize.
func WithMaxMessageSize(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.maxSize = n
		}
	}
}

// WithTransportLogger sets the logger used for stderr lines and frame
// diagnostics.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport creates a Transport reading frames from r and writing to w.
//
// Description:
//
//	If r or w implement io.Closer they are closed by Close, which unblocks a
//	pending Recv. Streams that cannot be closed leave Recv blocked until the
//	peer ends the stream.
//
// Inputs:
//
//	r - Peer output (server stdout).
//	w - Peer input (server stdin).
//
// Outputs:
//
//	*Transport - Ready for Send and Recv.
func NewTransport(r io.Reader, w io.Writer, opts ...TransportOption) *Transport {
	t := &Transport{
		r:        bufio.NewReaderSize(r, readBufferSize),
		w:        w,
		maxSize:  DefaultMaxMessageSize,
		logger:   slog.Default(),
		sendSlot: make(chan struct{}, 1),
	}
	if c, ok := w.(io.Closer); ok {
		t.wc = c
		t.closers = append(t.closers, c)
	}
	if c, ok := r.(io.Closer); ok {
		t.closers = append(t.closers, c)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send encodes msg and writes it as one frame, waiting as long as the write
// takes. Prefer SendContext when the peer may stop reading.
//
// Outputs:
//
//	error - *TransportError when the stream is closed or the write fails.
func (t *Transport) Send(msg *Message) error {
	return t.SendContext(context.Background(), msg)
}

// SendContext encodes msg and writes it as one frame, giving up when ctx
// ends.
//
// Description:
//
//	Waiting for the send slot and the write itself are both bounded by ctx.
//	If ctx ends before the write starts nothing reaches the stream and the
//	error wraps ctx.Err(). If ctx ends while the write is in progress the
//	frame may be partially written: the transport is marked stalled, its
//	writer is closed and a *TransportError wrapping ErrWriteStalled is
//	returned.
//
// Inputs:
//
//	ctx - Bounds the send. A context without a deadline waits forever.
//	msg - The message. JSONRPC defaults to Version.
//
// Outputs:
//
//	error - *TransportError on I/O failure, closure or stall; a wrapped
//	        ctx.Err() when the send never started.
func (t *Transport) SendContext(ctx context.Context, msg *Message) error {
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	if err := t.usable(); err != nil {
		return err
	}

	select {
	case t.sendSlot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("send %s: waiting for writer: %w", msg.describe(), ctx.Err())
	}
	if err := t.usable(); err != nil {
		<-t.sendSlot
		return err
	}

	if ctx.Done() == nil {
		err := t.write(frame)
		<-t.sendSlot
		return err
	}

	result := make(chan error, 1)
	go func() {
		err := t.write(frame)
		<-t.sendSlot
		result <- err
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		t.markStalled()
		return &TransportError{Op: "send", Err: fmt.Errorf("%w: %s: %v", ErrWriteStalled, msg.describe(), ctx.Err())}
	}
}

// Stalled reports whether a write was abandoned part way.
func (t *Transport) Stalled() bool { return t.stalled.Load() }

func (t *Transport) usable() error {
	if t.stalled.Load() {
		return &TransportError{Op: "send", Err: ErrWriteStalled}
	}
	if t.closed.Load() {
		return &TransportError{Op: "send", Err: ErrClosed}
	}
	return nil
}

func (t *Transport) write(frame []byte) error {
	if _, err := t.w.Write(frame); err != nil {
		if isClosedStream(err) {
			err = errors.Join(ErrClosed, err)
		}
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// markStalled closes the writer so the abandoned write returns and releases
// the send slot.
func (t *Transport) markStalled() {
	if !t.stalled.CompareAndSwap(false, true) {
		return
	}
	t.logger.Warn("peer stopped reading, closing its input")
	if t.wc != nil {
		if err := t.wc.Close(); err != nil && !isClosedStream(err) {
			t.logger.Debug("close stalled writer", slog.String("error", err.Error()))
		}
	}
}

func encodeFrame(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, "\r\n\r\n"...)
	frame = append(frame, body...)
	return frame, nil
}

// Recv blocks until one complete message has been read.
//
// Outputs:
//
//	*Message - The decoded envelope.
//	error - ErrEndOfStream on a clean end of stream, *ProtocolError on a
//	        malformed frame or envelope, *TransportError on I/O failure.
func (t *Transport) Recv() (*Message, error) {
	length, err := t.readHeader()
	if err != nil {
		return nil, err
	}

	if length > t.maxSize {
		if _, err := io.CopyN(io.Discard, t.r, int64(length)); err != nil {
			return nil, t.ioError("discard body", err)
		}
		return nil, &ProtocolError{Reason: fmt.Sprintf("message of %d bytes exceeds limit of %d", length, t.maxSize)}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(t.r, body); err != nil {
		return nil, t.ioError("read body", err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, &ProtocolError{Reason: "invalid JSON body", Err: err}
	}
	if err := msg.validate(); err != nil {
		return nil, &ProtocolError{Reason: "invalid envelope", Err: err}
	}
	return &msg, nil
}

// readHeader consumes header lines up to the blank separator and returns the
// declared body length.
func (t *Transport) readHeader() (int, error) {
	length := -1
	for lines := 0; ; lines++ {
		line, err := t.r.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				return 0, &ProtocolError{Reason: "header line too long"}
			}
			if errors.Is(err, io.EOF) && lines == 0 && len(line) == 0 {
				return 0, ErrEndOfStream
			}
			return 0, t.ioError("read header", err)
		}
		if lines >= maxHeaderLines {
			return 0, &ProtocolError{Reason: "too many header lines"}
		}

		text := strings.TrimRight(string(line), "\r\n")
		if text == "" {
			if lines == 0 {
				// Tolerate stray blank lines between frames.
				lines = -1
				continue
			}
			break
		}

		name, value, ok := strings.Cut(text, ":")
		if !ok {
			return 0, &ProtocolError{Reason: fmt.Sprintf("malformed header line %q", truncate(text, 64))}
		}
		if strings.EqualFold(strings.TrimSpace(name), headerContentLength) {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return 0, &ProtocolError{Reason: fmt.Sprintf("invalid Content-Length %q", strings.TrimSpace(value))}
			}
			length = n
		}
	}

	if length < 0 {
		return 0, &ProtocolError{Reason: "missing Content-Length header"}
	}
	return length, nil
}

// ioError classifies a read failure. An EOF inside a frame is a truncated
// message, not a clean end of stream.
func (t *Transport) ioError(op string, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	if t.closed.Load() && isClosedStream(err) {
		err = errors.Join(ErrClosed, err)
	}
	return &TransportError{Op: op, Err: err}
}

// DrainErrorStream starts a goroutine that reads r until end of stream,
// logging each line and keeping a tail of recent lines.
//
// Description:
//
//	A child process that fills its stderr pipe blocks on write, and a blocked
//	child stops reading requests. The drain must therefore run for the whole
//	life of the transport. Close closes r (when it is an io.Closer) and waits
//	for the goroutine to exit.
//
// Inputs:
//
//	r - The error stream (server stderr).
//	opts - Drain options (tail size, log rate).
func (t *Transport) DrainErrorStream(r io.Reader, opts ...DrainOption) {
	d := newErrorDrain(r, t.logger, opts...)

	t.drainMu.Lock()
	t.drains = append(t.drains, d)
	t.drainMu.Unlock()

	go d.run()
}

// StderrTail returns the most recent error stream lines, oldest first.
func (t *Transport) StderrTail() []string {
	t.drainMu.Lock()
	defer t.drainMu.Unlock()

	var out []string
	for _, d := range t.drains {
		out = append(out, d.tail.Snapshot()...)
	}
	return out
}

// StderrBytes returns the total number of bytes drained from error streams.
func (t *Transport) StderrBytes() int64 {
	t.drainMu.Lock()
	defer t.drainMu.Unlock()

	var n int64
	for _, d := range t.drains {
		n += d.bytes.Load()
	}
	return n
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool { return t.closed.Load() }

// Close closes the underlying streams and joins the error stream drains.
// Safe to call more than once.
func (t *Transport) Close() error {
	var errs []error
	t.once.Do(func() {
		t.closed.Store(true)
		for _, c := range t.closers {
			if err := c.Close(); err != nil && !isClosedStream(err) {
				errs = append(errs, err)
			}
		}

		t.drainMu.Lock()
		drains := append([]*errorDrain(nil), t.drains...)
		t.drainMu.Unlock()
		for _, d := range drains {
			d.stop()
		}
	})
	return errors.Join(errs...)
}

func isClosedStream(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, ErrClosed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
