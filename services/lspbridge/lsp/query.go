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
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/lspbridge/services/lspbridge/breaker"
	"github.com/AleutianAI/lspbridge/services/lspbridge/events"
	"github.com/AleutianAI/lspbridge/services/lspbridge/fingerprint"
	"github.com/AleutianAI/lspbridge/services/lspbridge/jsonrpc"
	"github.com/AleutianAI/lspbridge/services/lspbridge/resultcache"
)

// QueryKind names a code-intelligence query.
type QueryKind string

const (
	QueryDefinition      QueryKind = "definition"
	QueryTypeDefinition  QueryKind = "typeDefinition"
	QueryImplementation  QueryKind = "implementation"
	QueryReferences      QueryKind = "references"
	QueryHover           QueryKind = "hover"
	QueryDocumentSymbol  QueryKind = "documentSymbol"
	QueryWorkspaceSymbol QueryKind = "workspaceSymbol"
)

// QueryKinds lists every supported kind.
func QueryKinds() []QueryKind {
	return []QueryKind{
		QueryDefinition, QueryTypeDefinition, QueryImplementation, QueryReferences,
		QueryHover, QueryDocumentSymbol, QueryWorkspaceSymbol,
	}
}

// ParseQueryKind validates a kind name.
func ParseQueryKind(s string) (QueryKind, error) {
	for _, k := range QueryKinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown query kind %q", ErrUnsupportedQuery, s)
}

func (k QueryKind) method() string {
	if k == QueryWorkspaceSymbol {
		return "workspace/symbol"
	}
	return "textDocument/" + string(k)
}

func (k QueryKind) provider() string { return string(k) + "Provider" }

func (k QueryKind) needsPosition() bool {
	switch k {
	case QueryDefinition, QueryTypeDefinition, QueryImplementation, QueryReferences, QueryHover:
		return true
	}
	return false
}

func (k QueryKind) needsFile() bool { return k != QueryWorkspaceSymbol }

// QueryRequest is one query against a language server.
type QueryRequest struct {
	// Language selects the server. The registry fills it from File when
	// empty.
	Language string    `json:"language,omitempty"`
	Kind     QueryKind `json:"kind"`

	// File is an absolute path or a path relative to the workspace root.
	File string `json:"file,omitempty"`

	// Line and Character are zero-based.
	Line      int `json:"line"`
	Character int `json:"character"`

	// Query is the workspace symbol search string.
	Query string `json:"query,omitempty"`

	// IncludeDeclaration applies to references.
	IncludeDeclaration bool `json:"include_declaration,omitempty"`

	// Content is the current buffer text. When empty the file is read
	// from disk.
	Content string `json:"content,omitempty"`

	// Fingerprint identifies the content. Computed when empty.
	Fingerprint string `json:"fingerprint,omitempty"`

	// SkipCache forces a round-trip to the server. The result is still
	// stored.
	SkipCache bool `json:"skip_cache,omitempty"`

	// Timeout overrides the configured request timeout.
	Timeout time.Duration `json:"-"`
}

// Validate checks the request shape.
func (r QueryRequest) Validate() error {
	if _, err := ParseQueryKind(string(r.Kind)); err != nil {
		return err
	}
	if r.Kind.needsFile() && r.File == "" {
		return fmt.Errorf("%w: %s requires a file", ErrUnsupportedQuery, r.Kind)
	}
	if r.Kind.needsPosition() && (r.Line < 0 || r.Character < 0) {
		return fmt.Errorf("%w: negative position %d:%d", ErrUnsupportedQuery, r.Line, r.Character)
	}
	return nil
}

// QueryResult is the normalized answer. Exactly one of Locations, Hover
// or Symbols is meaningful, depending on Kind.
type QueryResult struct {
	Kind        QueryKind     `json:"kind"`
	Language    string        `json:"language"`
	Locations   []Location    `json:"locations,omitempty"`
	Hover       *Hover        `json:"hover,omitempty"`
	Symbols     []Symbol      `json:"symbols,omitempty"`
	Fingerprint string        `json:"fingerprint"`
	Cached      bool          `json:"cached"`
	Duration    time.Duration `json:"duration_ns"`
}

// Query answers req from the cache or the server.
//
// Description:
//
//	Keys the cache on content fingerprint, position (or search string)
//	and kind. A hit returns without touching the server. A miss goes
//	through the circuit breaker: the document is opened or updated if
//	its content changed, the request is sent, and the normalized result
//	is cached for CacheTTL. Failures are never cached.
//
//	Concurrent identical misses share one server request. A caller that
//	cancels stops waiting, but the shared request runs on, bounded by
//	the request timeout, for the callers still waiting. SkipCache bypasses the
//	lookup and the sharing and refreshes the entry.
//
// Errors:
//
//	*breaker.OpenError - The server has failed too often recently.
//	*UnavailableError - The server is not running.
//	ErrUnsupportedQuery - Bad request, or the server lacks the provider.
//	*jsonrpc.RPCError - The server answered with an error.
//	jsonrpc.ErrTimeout - No answer in time.
func (m *Manager) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	begin := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	path := m.resolvePath(req.File)

	ctx, span := startQuerySpan(ctx, req.Kind, m.cfg.Language, path)
	defer span.End()

	fp, err := m.fingerprintFor(req, path)
	if err != nil {
		span.RecordError(err)
		recordQuery(ctx, req.Kind, m.cfg.Language, "error", time.Since(begin))
		return nil, err
	}
	key := resultcache.NewKey(fp, m.cfg.Language+"|"+queryTarget(req, path), string(req.Kind))

	var docURI protocol.DocumentURI
	if req.Kind.needsFile() {
		docURI = protocol.DocumentURI(uri.File(path))
	}
	load := func(ctx context.Context) ([]byte, error) {
		res, err := m.fetch(ctx, req, path, docURI)
		if err != nil {
			return nil, err
		}
		res.Fingerprint = fp
		encoded, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("encode %s result: %w", req.Kind, err)
		}
		return encoded, nil
	}

	var (
		raw    []byte
		cached bool
	)
	if req.SkipCache {
		if raw, err = load(ctx); err == nil {
			m.cache.Put(ctx, key, raw, m.cfg.CacheTTL)
		}
	} else {
		// Identical concurrent misses share one server request.
		raw, cached, err = m.cache.GetOrLoad(ctx, key, m.cfg.CacheTTL, load)
	}

	var res QueryResult
	if err == nil {
		if err = json.Unmarshal(raw, &res); err != nil && cached {
			m.logger.Warn("discarding undecodable cache entry",
				slog.String("kind", string(req.Kind)), slog.String("error", err.Error()))
			m.cache.Invalidate(ctx, key)
			cached = false
			if raw, err = load(ctx); err == nil {
				m.cache.Put(ctx, key, raw, m.cfg.CacheTTL)
				err = json.Unmarshal(raw, &res)
			}
		}
	}
	if !req.SkipCache {
		recordCache(ctx, m.cfg.Language, cached)
		if !cached {
			m.emit(events.Event{
				Type:   events.TypeCacheMiss,
				Fields: map[string]string{"kind": string(req.Kind), "file": path},
			})
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		recordQuery(ctx, req.Kind, m.cfg.Language, outcomeOf(err), time.Since(begin))
		return nil, err
	}

	res.Cached = cached
	res.Duration = time.Since(begin)
	outcome := "ok"
	if cached {
		outcome = "cached"
	}
	recordQuery(ctx, req.Kind, m.cfg.Language, outcome, res.Duration)
	return &res, nil
}

// fetch asks the server, through the circuit breaker, and parses the reply.
func (m *Manager) fetch(ctx context.Context, req QueryRequest, path string, docURI protocol.DocumentURI) (*QueryResult, error) {
	raw, err := breaker.Execute(ctx, m.breaker, func(ctx context.Context) (json.RawMessage, error) {
		sess, err := m.current(ctx)
		if err != nil {
			return nil, err
		}
		if !sess.caps.Supports(req.Kind) {
			return nil, fmt.Errorf("%w: %s server does not provide %s", ErrUnsupportedQuery, m.cfg.Language, req.Kind)
		}
		if req.Kind.needsFile() {
			if err := m.syncDocument(sess, path, docURI, req.Content); err != nil {
				return nil, err
			}
		}
		return m.dispatchOn(ctx, sess, req.Kind.method(), buildParams(req, docURI), req.Timeout)
	})
	if err != nil {
		return nil, err
	}
	return m.parseResult(req.Kind, raw, docURI)
}

func (m *Manager) resolvePath(file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(m.rootPath, file)
}

func (m *Manager) fingerprintFor(req QueryRequest, path string) (string, error) {
	switch {
	case req.Fingerprint != "":
		return req.Fingerprint, nil
	case req.Content != "":
		return fingerprint.String(req.Content), nil
	case !req.Kind.needsFile():
		// Workspace results change with any file; bound them by TTL only.
		return "workspace:" + m.rootPath, nil
	}
	fp, err := m.fps.File(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnsupportedQuery, err)
	}
	return fp, nil
}

func queryTarget(req QueryRequest, path string) string {
	switch {
	case req.Kind == QueryWorkspaceSymbol:
		return "q:" + req.Query
	case req.Kind == QueryDocumentSymbol:
		return path
	}
	target := path + ":" + strconv.Itoa(req.Line) + ":" + strconv.Itoa(req.Character)
	if req.Kind == QueryReferences && req.IncludeDeclaration {
		target += ":decl"
	}
	return target
}

func outcomeOf(err error) string {
	var rpcErr *jsonrpc.RPCError
	switch {
	case breaker.IsOpen(err):
		return "circuit_open"
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrShutdown):
		return "unavailable"
	case errors.Is(err, jsonrpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrUnsupportedQuery):
		return "unsupported"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid"
	case errors.As(err, &rpcErr):
		return "rpc_error"
	}
	return "error"
}

// =============================================================================
// DOCUMENT SYNC
// =============================================================================

// didChangeParams sends a full-text replacement. The change event has no
// range, which is how LSP expresses "replace everything".
type didChangeParams struct {
	TextDocument   versionedDocument `json:"textDocument"`
	ContentChanges []fullTextChange  `json:"contentChanges"`
}

type versionedDocument struct {
	URI     protocol.DocumentURI `json:"uri"`
	Version int32                `json:"version"`
}

type fullTextChange struct {
	Text string `json:"text"`
}

// syncDocument makes the server's view of path match content. Unchanged
// documents produce no traffic.
func (m *Manager) syncDocument(sess *session, path string, docURI protocol.DocumentURI, content string) error {
	var data []byte
	if content != "" {
		data = []byte(content)
	} else {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnsupportedQuery, err)
		}
		data = b
	}
	fp := fingerprint.Bytes(data)

	// Held across the send so versions reach the server in order.
	sess.docsMu.Lock()
	defer sess.docsMu.Unlock()

	doc, open := sess.docs[docURI]
	if open && doc.fingerprint == fp {
		return nil
	}
	if !open {
		params := &protocol.DidOpenTextDocumentParams{
			TextDocument: protocol.TextDocumentItem{
				URI:        docURI,
				LanguageID: m.flavor.LanguageID(path),
				Version:    1,
				Text:       string(data),
			},
		}
		if err := m.notifyOn(sess, "textDocument/didOpen", params); err != nil {
			return err
		}
		sess.docs[docURI] = &openDocument{version: 1, fingerprint: fp}
		return nil
	}

	next := doc.version + 1
	params := &didChangeParams{
		TextDocument:   versionedDocument{URI: docURI, Version: next},
		ContentChanges: []fullTextChange{{Text: string(data)}},
	}
	if err := m.notifyOn(sess, "textDocument/didChange", params); err != nil {
		return err
	}
	doc.version = next
	doc.fingerprint = fp
	return nil
}

// =============================================================================
// PARAMS AND RESULTS
// =============================================================================

func buildParams(req QueryRequest, docURI protocol.DocumentURI) any {
	pos := protocol.TextDocumentPositionParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: docURI},
		Position: protocol.Position{
			Line:      uint32(req.Line),
			Character: uint32(req.Character),
		},
	}
	switch req.Kind {
	case QueryDefinition:
		return &protocol.DefinitionParams{TextDocumentPositionParams: pos}
	case QueryReferences:
		return &protocol.ReferenceParams{
			TextDocumentPositionParams: pos,
			Context:                    protocol.ReferenceContext{IncludeDeclaration: req.IncludeDeclaration},
		}
	case QueryHover:
		return &protocol.HoverParams{TextDocumentPositionParams: pos}
	case QueryDocumentSymbol:
		return &protocol.DocumentSymbolParams{TextDocument: protocol.TextDocumentIdentifier{URI: docURI}}
	case QueryWorkspaceSymbol:
		return &protocol.WorkspaceSymbolParams{Query: req.Query}
	default:
		// typeDefinition and implementation take plain position params.
		return &pos
	}
}

func (m *Manager) parseResult(kind QueryKind, raw json.RawMessage, docURI protocol.DocumentURI) (*QueryResult, error) {
	res := &QueryResult{Kind: kind, Language: m.cfg.Language}
	var err error
	switch kind {
	case QueryHover:
		res.Hover, err = parseHover(raw)
		if res.Hover != nil {
			m.flavor.NormalizeHover(res.Hover)
			res.Hover.Signature = firstCodeBlock(res.Hover.Contents)
		}
	case QueryDocumentSymbol:
		res.Symbols, err = parseSymbols(raw, docURI)
	case QueryWorkspaceSymbol:
		res.Symbols, err = parseSymbols(raw, "")
	default:
		res.Locations, err = parseLocations(raw)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
