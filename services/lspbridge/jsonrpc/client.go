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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRequestTimeout applies when Request is called with timeout <= 0.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds sends that have no call deadline of their
	// own: notifications and replies to server requests.
	DefaultWriteTimeout = 10 * time.Second

	cancelWriteTimeout = time.Second

	defaultMaxMalformed      = 3
	defaultNotificationQueue = 1024
)

// NotificationHandler receives server notifications in arrival order.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a request initiated by the server. Returning an
// *RPCError controls the error code sent back; any other error is reported
// as an internal error.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// ClientOptions configures a Client. Zero values select defaults.
type ClientOptions struct {
	Logger *slog.Logger

	// OnNotification is invoked from a single dispatcher goroutine.
	OnNotification NotificationHandler

	// OnRequest answers server-initiated requests. Nil replies
	// MethodNotFound.
	OnRequest RequestHandler

	// MaxConsecutiveMalformed is the number of malformed messages in a row
	// after which the connection is treated as lost.
	MaxConsecutiveMalformed int

	// NotificationQueue bounds notifications waiting for dispatch. When
	// full, new notifications are dropped with a warning.
	NotificationQueue int

	// WriteTimeout bounds Notify and replies to server requests. A peer
	// that does not accept a frame within it is treated as lost.
	WriteTimeout time.Duration
}

// pendingCall is one outstanding request. It is resolved exactly once: the
// goroutine that removes it from the pending map is the only one that sends
// on ch.
type pendingCall struct {
	id       int64
	method   string
	issuedAt time.Time
	deadline time.Time
	ch       chan callResult
}

type callResult struct {
	msg *Message
	err error
}

// =============================================================================
// CLIENT
// =============================================================================

// Client correlates requests and responses over a Transport.
//
// Description:
//
//	NewClient starts two goroutines: a reader that owns Transport.Recv and a
//	dispatcher that delivers notifications in order. Server-initiated
//	requests are answered on their own goroutines so a slow handler never
//	stalls response delivery. When the stream fails every outstanding call
//	is resolved with ErrConnectionLost.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Client struct {
	t      *Transport
	opts   ClientOptions
	logger *slog.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	err     error

	done     chan struct{}
	notifyCh chan *Message
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	lateResponses atomic.Int64
}

// NewClient wraps t and starts the reader and notification dispatcher.
//
// Inputs:
//
//	t - The framed transport. The client takes ownership and closes it.
//	opts - Handlers and limits.
//
// Outputs:
//
//	*Client - Running client.
func NewClient(t *Transport, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConsecutiveMalformed <= 0 {
		opts.MaxConsecutiveMalformed = defaultMaxMalformed
	}
	if opts.NotificationQueue <= 0 {
		opts.NotificationQueue = defaultNotificationQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		t:        t,
		opts:     opts,
		logger:   opts.Logger,
		pending:  make(map[int64]*pendingCall),
		done:     make(chan struct{}),
		notifyCh: make(chan *Message, opts.NotificationQueue),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.dispatchNotifications()
	return c
}

// Request sends method with params and waits for the matching response.
//
// Description:
//
//	Waits for whichever comes first: the response, the timeout, caller
//	cancellation, or loss of the connection. The timeout covers writing the
//	request as well as waiting for the reply; a peer that stops reading
//	mid-frame fails the connection. A timed out call is removed from the
//	pending set, so a late response is logged and dropped. The server is
//	told about abandoned calls with $/cancelRequest.
//
// Inputs:
//
//	ctx - Caller cancellation. Cancelling abandons only this call.
//	method - The method name.
//	params - Encoded with encoding/json. May be nil.
//	timeout - Per-call deadline. <= 0 selects DefaultRequestTimeout.
//
// Outputs:
//
//	json.RawMessage - The raw result ("null" for an empty result).
//	error - ErrTimeout, ErrConnectionLost, *RPCError or ctx.Err(), wrapped.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", method, ErrConnectionLost, err)
	}

	id := c.nextID.Add(1)
	msg, err := newRequest(NumberID(id), method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	now := time.Now()
	call := &pendingCall{
		id:       id,
		method:   method,
		issuedAt: now,
		deadline: now.Add(timeout),
		ch:       make(chan callResult, 1),
	}
	if !c.register(call) {
		return nil, fmt.Errorf("%s: %w: %w", method, ErrConnectionLost, c.Err())
	}

	sendCtx, cancelSend := context.WithDeadline(ctx, call.deadline)
	err = c.send(sendCtx, msg)
	cancelSend()
	if err != nil {
		if c.remove(id) == nil {
			// Already resolved by a concurrent failure.
			return c.await(<-call.ch)
		}
		var terr *TransportError
		switch {
		case errors.As(err, &terr):
			return nil, fmt.Errorf("%s: %w: %w", method, ErrConnectionLost, err)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%s (id %d): %w", method, id, ctx.Err())
		default:
			return nil, fmt.Errorf("%s (id %d) after %s waiting to send: %w", method, id, timeout, ErrTimeout)
		}
	}

	timer := time.NewTimer(time.Until(call.deadline))
	defer timer.Stop()

	select {
	case res := <-call.ch:
		return c.await(res)
	case <-timer.C:
		if c.remove(id) == nil {
			return c.await(<-call.ch)
		}
		c.cancelRemote(id)
		return nil, fmt.Errorf("%s (id %d) after %s: %w", method, id, timeout, ErrTimeout)
	case <-ctx.Done():
		if c.remove(id) == nil {
			return c.await(<-call.ch)
		}
		c.cancelRemote(id)
		return nil, fmt.Errorf("%s (id %d): %w", method, id, ctx.Err())
	}
}

// Call is Request followed by decoding the result into out. A nil out
// discards the result.
func (c *Client) Call(ctx context.Context, method string, params, out any, timeout time.Duration) error {
	raw, err := c.Request(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("decode %s result", method), Err: err}
	}
	return nil
}

// Notify sends a notification without waiting for a reply. The write is
// bounded by ClientOptions.WriteTimeout.
func (c *Client) Notify(method string, params any) error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", method, ErrConnectionLost, err)
	}
	raw, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := c.send(ctx, &Message{JSONRPC: Version, Method: method, Params: raw}); err != nil {
		var terr *TransportError
		if errors.As(err, &terr) {
			return fmt.Errorf("%s: %w: %w", method, ErrConnectionLost, err)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Done is closed once the connection is lost or the client is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is healthy.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of outstanding calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LateResponses returns how many responses arrived for calls that had
// already timed out or been cancelled.
func (c *Client) LateResponses() int64 { return c.lateResponses.Load() }

// Transport returns the underlying transport.
func (c *Client) Transport() *Transport { return c.t }

// Close fails outstanding calls with ErrClosed, closes the transport and
// waits for the client's goroutines to exit.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	err := c.t.Close()
	c.wg.Wait()
	return err
}

// =============================================================================
// INTERNALS
// =============================================================================

func (c *Client) await(res callResult) (json.RawMessage, error) {
	return res.msg.Result, res.err
}

func (c *Client) register(call *pendingCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	c.pending[call.id] = call
	return true
}

// remove deletes and returns the call, or nil if another path already
// claimed it.
func (c *Client) remove(id int64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}

func (c *Client) cancelRemote(id int64) {
	if c.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelWriteTimeout)
	defer cancel()
	_ = c.send(ctx, &Message{JSONRPC: Version, Method: "$/cancelRequest", Params: json.RawMessage(fmt.Sprintf(`{"id":%d}`, id))})
}

// send writes msg within ctx. Any transport failure, including a write the
// peer never accepted, ends the connection; a send that timed out before it
// started does not.
func (c *Client) send(ctx context.Context, msg *Message) error {
	err := c.t.SendContext(ctx, msg)
	if err == nil {
		return nil
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		c.fail(err)
	}
	return err
}

// fail records the terminal error once and resolves every pending call.
func (c *Client) fail(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	close(c.done)
	c.cancel()

	if !errors.Is(cause, ErrClosed) {
		c.logger.Warn("jsonrpc connection lost",
			slog.String("error", cause.Error()),
			slog.Int("pending", len(pending)))
	}
	for _, call := range pending {
		call.ch <- callResult{
			msg: &Message{},
			err: fmt.Errorf("%s (id %d): %w: %w", call.method, call.id, ErrConnectionLost, cause),
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.fail(fmt.Errorf("reader panic: %v", r))
		}
	}()

	malformed := 0
	for {
		msg, err := c.t.Recv()
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				malformed++
				c.logger.Warn("malformed message from server",
					slog.String("error", err.Error()),
					slog.Int("consecutive", malformed))
				if malformed >= c.opts.MaxConsecutiveMalformed {
					c.fail(fmt.Errorf("%d consecutive malformed messages: %w", malformed, err))
					return
				}
				continue
			}
			c.fail(err)
			return
		}
		malformed = 0
		c.route(msg)
	}
}

func (c *Client) route(msg *Message) {
	switch {
	case msg.IsResponse():
		c.resolve(msg)
	case msg.IsRequest():
		c.wg.Add(1)
		go c.answer(msg)
	case msg.IsUnattributedError():
		c.logger.Warn("server rejected a message it could not parse",
			slog.Int("code", msg.Error.Code),
			slog.String("message", msg.Error.Message))
	case msg.IsNotification():
		select {
		case c.notifyCh <- msg:
		default:
			c.logger.Warn("notification queue full, dropping", slog.String("method", msg.Method))
		}
	}
}

func (c *Client) resolve(msg *Message) {
	if msg.ID.IsString {
		c.logger.Debug("response with unknown string id", slog.String("id", msg.ID.Str))
		return
	}
	call := c.remove(msg.ID.Num)
	if call == nil {
		c.lateResponses.Add(1)
		c.logger.Debug("dropping response for unknown or expired request", slog.Int64("id", msg.ID.Num))
		return
	}

	res := callResult{msg: msg}
	if msg.Error != nil {
		res.err = &RPCError{Method: call.method, Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}
	} else if msg.Result == nil {
		msg.Result = json.RawMessage("null")
	}
	call.ch <- res
}

func (c *Client) dispatchNotifications() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.notifyCh:
			c.deliver(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Client) deliver(msg *Message) {
	if c.opts.OnNotification == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked",
				slog.String("method", msg.Method), slog.Any("panic", r))
		}
	}()
	c.opts.OnNotification(msg.Method, msg.Params)
}

// answer runs the request handler and sends its reply.
func (c *Client) answer(msg *Message) {
	defer c.wg.Done()

	reply := &Message{JSONRPC: Version, ID: msg.ID}
	result, err := c.handle(msg)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			reply.Error = &ResponseError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
		} else {
			reply.Error = &ResponseError{Code: CodeInternalError, Message: err.Error()}
		}
	} else {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			reply.Error = &ResponseError{Code: CodeInternalError, Message: mErr.Error()}
		} else {
			reply.Result = raw
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := c.send(ctx, reply); err != nil && !errors.Is(err, ErrWriteStalled) && c.Err() == nil {
		c.logger.Warn("failed to answer server request",
			slog.String("method", msg.Method), slog.String("error", err.Error()))
	}
}

func (c *Client) handle(msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if c.opts.OnRequest == nil {
		return nil, &RPCError{Method: msg.Method, Code: CodeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	return c.opts.OnRequest(c.ctx, msg.Method, msg.Params)
}
