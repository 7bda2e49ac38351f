// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsptest provides an in-memory language server for tests of code
// built on top of package lsp.
//
// The server runs entirely over io.Pipe and speaks LSP through
// github.com/sourcegraph/jsonrpc2, an implementation independent of the
// client under test.
//
//	srv := lsptest.NewServer()
//	reg := lsp.NewRegistry(dir, configs, lsp.RegistryConfig{
//	    ManagerOptions: []lsp.ManagerOption{lsp.WithLauncher(srv.Launcher())},
//	})
package lsptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/AleutianAI/lspbridge/services/lspbridge/process"
)

// HoverMarkdown is the hover body every fake server returns.
const HoverMarkdown = "```go\nfunc Hello() string\n```\n\nHello greets the caller."

// Server is a scriptable fake language server. Each Launch produces a new
// Process backed by pipes.
type Server struct {
	// HoverDelay is slept before answering textDocument/hover.
	HoverDelay time.Duration

	notInstalled atomic.Bool
	hoverErr     atomic.Bool
	spawns       atomic.Int32
	requests     atomic.Int64

	mu      sync.Mutex
	methods []string
	procs   []*Process
}

// NewServer returns a server advertising hover, definition, references and
// symbol providers.
func NewServer() *Server { return &Server{} }

// SetNotInstalled makes Launch fail with process.ErrNotInstalled.
func (s *Server) SetNotInstalled(v bool) { s.notInstalled.Store(v) }

// SetHoverError makes hover reply with a JSON-RPC internal error.
func (s *Server) SetHoverError(v bool) { s.hoverErr.Store(v) }

// Spawns counts successful launches.
func (s *Server) Spawns() int { return int(s.spawns.Load()) }

// Requests counts every message received, notifications included.
func (s *Server) Requests() int64 { return s.requests.Load() }

// Methods returns received method names in arrival order.
func (s *Server) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

// Count returns how many times method was received.
func (s *Server) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.methods {
		if m == method {
			n++
		}
	}
	return n
}

// Crash makes the most recent process exit with a non-zero status.
func (s *Server) Crash() {
	s.mu.Lock()
	var p *Process
	if len(s.procs) > 0 {
		p = s.procs[len(s.procs)-1]
	}
	s.mu.Unlock()
	if p != nil {
		p.exit(errors.New("exit status 2"))
	}
}

// Launcher returns a process.Launcher that starts a fresh fake process.
func (s *Server) Launcher() process.Launcher {
	return process.LauncherFunc(func(ctx context.Context, spec process.Spec) (process.Process, error) {
		if s.notInstalled.Load() {
			return nil, fmt.Errorf("%w: %s", process.ErrNotInstalled, spec.Command)
		}
		n := s.spawns.Add(1)
		p := newProcess(4000 + int(n))
		rwc := pipeConn{Reader: p.stdinR, Writer: p.stdoutW, close: func() { p.exit(nil) }}
		jsonrpc2.NewConn(context.Background(),
			jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}),
			jsonrpc2.HandlerWithError(s.handle(p)))

		s.mu.Lock()
		s.procs = append(s.procs, p)
		s.mu.Unlock()
		return p, nil
	})
}

// LookPath resolves every command, for registries that check availability.
func LookPath(cmd string) (string, error) { return "/usr/local/bin/" + cmd, nil }

func (s *Server) handle(p *Process) func(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) (interface{}, error) {
	return func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
		s.requests.Add(1)
		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		s.mu.Unlock()

		switch req.Method {
		case "initialize":
			return map[string]any{
				"capabilities": map[string]any{
					"textDocumentSync":        1,
					"hoverProvider":           true,
					"definitionProvider":      true,
					"referencesProvider":      true,
					"documentSymbolProvider":  true,
					"workspaceSymbolProvider": true,
				},
				"serverInfo": map[string]string{"name": "lsptest", "version": "0.0.1"},
			}, nil
		case "initialized", "shutdown", "$/cancelRequest",
			"textDocument/didOpen", "textDocument/didChange", "textDocument/didClose":
			return nil, nil
		case "exit":
			go p.exit(nil)
			return nil, nil
		case "textDocument/hover":
			time.Sleep(s.HoverDelay)
			if s.hoverErr.Load() {
				return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "hover failed"}
			}
			return map[string]any{
				"contents": map[string]string{"kind": "markdown", "value": HoverMarkdown},
			}, nil
		case "textDocument/definition":
			return []map[string]any{{"uri": "file:///work/greet.go", "range": Range(4, 5, 4, 10)}}, nil
		case "textDocument/references":
			var params struct {
				Context struct {
					IncludeDeclaration bool `json:"includeDeclaration"`
				} `json:"context"`
			}
			if req.Params != nil {
				_ = json.Unmarshal(*req.Params, &params)
			}
			locs := []map[string]any{{"uri": "file:///work/main.go", "range": Range(10, 2, 10, 7)}}
			if params.Context.IncludeDeclaration {
				locs = append(locs, map[string]any{"uri": "file:///work/greet.go", "range": Range(4, 5, 4, 10)})
			}
			return locs, nil
		case "textDocument/documentSymbol":
			return []map[string]any{{
				"name": "Hello", "kind": 12, "detail": "func() string",
				"range": Range(4, 0, 6, 1), "selectionRange": Range(4, 5, 4, 10),
			}}, nil
		case "workspace/symbol":
			return []map[string]any{{
				"name": "Hello", "kind": 12, "containerName": "greet",
				"location": map[string]any{"uri": "file:///work/greet.go", "range": Range(4, 5, 4, 10)},
			}}, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "method not handled: " + req.Method}
	}
}

// Range builds an LSP range literal.
func Range(sl, sc, el, ec int) map[string]any {
	return map[string]any{
		"start": map[string]int{"line": sl, "character": sc},
		"end":   map[string]int{"line": el, "character": ec},
	}
}

// Process is a fake child made of three pipes. It implements
// process.Process.
type Process struct {
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

var _ process.Process = (*Process)(nil)

func newProcess(pid int) *Process {
	p := &Process{pid: pid, started: time.Now(), done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *Process) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		_ = p.stdinR.Close()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.done)
	})
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.ReadCloser { return p.stdoutR }
func (p *Process) Stderr() io.ReadCloser { return p.stderrR }
func (p *Process) Pid() int              { return p.pid }
func (p *Process) StartedAt() time.Time  { return p.started }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) ExitErr() error {
	<-p.done
	return p.exitErr
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) Probe() error {
	if !p.Alive() {
		return process.ErrExited
	}
	return nil
}

func (p *Process) Terminate(context.Context, time.Duration) error {
	p.exit(nil)
	return nil
}

func (p *Process) Kill() error {
	p.exit(errors.New("signal: killed"))
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
