// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/AleutianAI/lspbridge/services/lspbridge/process"
)

// =============================================================================
// In-memory process
// =============================================================================

// fakeProcess is a child process made of three pipes.
type fakeProcess struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	pid     int
	started time.Time
	done    chan struct{}
	once    sync.Once
	exitErr error
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{pid: pid, started: time.Now(), done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.stdinR.Close()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderrR }
func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) StartedAt() time.Time  { return p.started }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitErr() error {
	<-p.done
	return p.exitErr
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("signal: killed"))
	return nil
}

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Probe() error {
	if !p.Alive() {
		return process.ErrExited
	}
	return nil
}

func (p *fakeProcess) Terminate(context.Context, time.Duration) error {
	p.exit(nil)
	return nil
}

type pipeConn struct {
	io.Reader
	io.Writer
	close func()
}

func (c pipeConn) Close() error {
	c.close()
	return nil
}

// =============================================================================
// Fake language server
// =============================================================================

// fakeServer speaks LSP over a fakeProcess using an independent JSON-RPC
// implementation, so framing bugs on either side show up.
type fakeServer struct {
	hoverDelay time.Duration
	caps       map[string]any
	initErr    atomic.Bool
	notFound   atomic.Bool

	spawns   atomic.Int32
	received atomic.Int64

	mu      sync.Mutex
	methods []string
	docs    []string
	procs   []*fakeProcess
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		caps: map[string]any{
			"textDocumentSync":        1,
			"hoverProvider":           true,
			"definitionProvider":      true,
			"referencesProvider":      true,
			"documentSymbolProvider":  true,
			"workspaceSymbolProvider": map[string]any{"workDoneProgress": false},
			"implementationProvider":  false,
		},
	}
}

func (s *fakeServer) launcher() process.Launcher {
	return process.LauncherFunc(func(ctx context.Context, spec process.Spec) (process.Process, error) {
		if s.notFound.Load() {
			return nil, fmt.Errorf("%w: %s", process.ErrNotInstalled, spec.Command)
		}
		n := s.spawns.Add(1)
		p := newFakeProcess(1000 + int(n))
		rwc := pipeConn{Reader: p.stdinR, Writer: p.stdoutW, close: func() { p.exit(nil) }}
		jsonrpc2.NewConn(context.Background(),
			jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}),
			jsonrpc2.HandlerWithError(s.handler(p)))

		s.mu.Lock()
		s.procs = append(s.procs, p)
		s.mu.Unlock()
		return p, nil
	})
}

func (s *fakeServer) lastProcess() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[len(s.procs)-1]
}

func (s *fakeServer) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func (s *fakeServer) DocEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.docs...)
}

func (s *fakeServer) handler(p *fakeProcess) func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (interface{}, error) {
	return func(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		s.received.Add(1)
		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		s.mu.Unlock()

		switch req.Method {
		case "initialize":
			if s.initErr.Load() {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "workspace load failed"}
			}
			return map[string]any{
				"capabilities": s.caps,
				"serverInfo":   map[string]string{"name": "fake-ls", "version": "1.0"},
			}, nil
		case "initialized", "shutdown", "$/cancelRequest":
			return nil, nil
		case "exit":
			go p.exit(nil)
			return nil, nil
		case "textDocument/didOpen", "textDocument/didChange":
			var params struct {
				TextDocument struct {
					Version int `json:"version"`
				} `json:"textDocument"`
			}
			if req.Params != nil {
				_ = json.Unmarshal(*req.Params, &params)
			}
			kind := "open"
			if req.Method == "textDocument/didChange" {
				kind = "change"
			}
			s.mu.Lock()
			s.docs = append(s.docs, fmt.Sprintf("%s:%d", kind, params.TextDocument.Version))
			s.mu.Unlock()
			return nil, nil
		case "textDocument/hover":
			time.Sleep(s.hoverDelay)
			return map[string]any{
				"contents": map[string]string{
					"kind":  "markdown",
					"value": "```go\nfunc Hello() string\n```\n\nHello greets the caller.",
				},
			}, nil
		case "textDocument/definition":
			return []map[string]any{{
				"uri":   "file:///work/greet.go",
				"range": lspRange(4, 5, 4, 10),
			}}, nil
		case "textDocument/references":
			return []map[string]any{
				{"uri": "file:///work/main.go", "range": lspRange(10, 2, 10, 7)},
				{"uri": "file:///work/greet_test.go", "range": lspRange(3, 8, 3, 13)},
			}, nil
		case "textDocument/documentSymbol":
			return []map[string]any{{
				"name": "Greeter", "kind": 23,
				"range": lspRange(0, 0, 10, 1), "selectionRange": lspRange(0, 5, 0, 12),
				"children": []map[string]any{{
					"name": "Hello", "kind": 6, "detail": "func() string",
					"range": lspRange(2, 0, 4, 1), "selectionRange": lspRange(2, 16, 2, 21),
				}},
			}}, nil
		case "workspace/symbol":
			return []map[string]any{{
				"name": "Hello", "kind": 12, "containerName": "greet",
				"location": map[string]any{"uri": "file:///work/greet.go", "range": lspRange(4, 5, 4, 10)},
			}}, nil
		case "test/crash":
			p.exit(errors.New("exit status 2"))
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not handled: " + req.Method}
	}
}

func lspRange(sl, sc, el, ec int) map[string]any {
	return map[string]any{
		"start": map[string]int{"line": sl, "character": sc},
		"end":   map[string]int{"line": el, "character": ec},
	}
}

// =============================================================================
// Scheduler
// =============================================================================

type fakeTimer struct{ stopped atomic.Bool }

func (t *fakeTimer) Stop() bool { return !t.stopped.Swap(true) }

// fakeScheduler records restarts instead of running them.
type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{}
	s.delays = append(s.delays, d)
	s.fns = append(s.fns, f)
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *fakeScheduler) fire(i int) {
	s.mu.Lock()
	f, t := s.fns[i], s.timers[i]
	s.mu.Unlock()
	if !t.stopped.Load() {
		f()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func half() float64 { return 0.5 }
