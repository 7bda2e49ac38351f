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
	"path/filepath"
	"regexp"
	"strings"

	"go.lsp.dev/protocol"

	"github.com/AleutianAI/lspbridge/services/lspbridge/jsonrpc"
)

// Flavor captures what differs between language servers: handshake
// options, the languageId sent with documents, answers to
// workspace/configuration, and hover cleanup. Everything else is shared.
type Flavor interface {
	Name() string

	// LanguageID returns the textDocument languageId for path.
	LanguageID(path string) protocol.LanguageIdentifier

	// InitializationOptions are sent with initialize. May be nil.
	InitializationOptions() map[string]any

	// Configuration answers one workspace/configuration item.
	Configuration(section string) any

	// NormalizeHover tidies server-specific hover markup in place.
	NormalizeHover(h *Hover)
}

// FlavorFor returns the built-in flavor for name, or a generic flavor.
func FlavorFor(name string) Flavor {
	switch name {
	case "go":
		return goFlavor{genericFlavor{name: "go", languageID: "go"}}
	case "python":
		return pythonFlavor{genericFlavor{name: "python", languageID: "python"}}
	case "typescript", "javascript":
		return typescriptFlavor{genericFlavor{name: "typescript", languageID: "typescript"}}
	case "rust":
		return rustFlavor{genericFlavor{name: "rust", languageID: "rust"}}
	default:
		return genericFlavor{name: "generic", languageID: protocol.LanguageIdentifier(name)}
	}
}

type genericFlavor struct {
	name       string
	languageID protocol.LanguageIdentifier
}

func (f genericFlavor) Name() string                                  { return f.name }
func (f genericFlavor) LanguageID(string) protocol.LanguageIdentifier { return f.languageID }
func (f genericFlavor) InitializationOptions() map[string]any         { return nil }
func (f genericFlavor) Configuration(string) any                      { return nil }
func (f genericFlavor) NormalizeHover(h *Hover) {
	h.Contents = strings.TrimSpace(h.Contents)
}

// gopls appends a pkg.go.dev link to most hovers.
type goFlavor struct{ genericFlavor }

var goDocLink = regexp.MustCompile(`(?m)^\[` + "`" + `[^\]]*` + "`" + ` on pkg\.go\.dev\]\([^)]*\)\s*$`)

func (goFlavor) InitializationOptions() map[string]any {
	return map[string]any{
		"hoverKind":          "FullDocumentation",
		"linksInHover":       false,
		"completeUnimported": false,
	}
}

func (f goFlavor) Configuration(section string) any {
	if section == "gopls" {
		return f.InitializationOptions()
	}
	return nil
}

func (f goFlavor) NormalizeHover(h *Hover) {
	h.Contents = goDocLink.ReplaceAllString(h.Contents, "")
	f.genericFlavor.NormalizeHover(h)
}

// pyright pulls its settings through workspace/configuration and ignores
// initializationOptions.
type pythonFlavor struct{ genericFlavor }

func (pythonFlavor) Configuration(section string) any {
	switch section {
	case "python":
		return map[string]any{"analysis": pythonAnalysis()}
	case "python.analysis":
		return pythonAnalysis()
	}
	return nil
}

func pythonAnalysis() map[string]any {
	return map[string]any{
		"autoSearchPaths":        true,
		"useLibraryCodeForTypes": true,
		"diagnosticMode":         "openFilesOnly",
	}
}

type typescriptFlavor struct{ genericFlavor }

func (typescriptFlavor) LanguageID(path string) protocol.LanguageIdentifier {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tsx":
		return "typescriptreact"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	default:
		return "typescript"
	}
}

func (typescriptFlavor) InitializationOptions() map[string]any {
	return map[string]any{
		"preferences": map[string]any{
			"includeCompletionsForModuleExports": false,
		},
	}
}

// rust-analyzer is slow to index with build scripts and proc macros on,
// and cargo check on save is irrelevant for read-only queries.
type rustFlavor struct{ genericFlavor }

func (rustFlavor) InitializationOptions() map[string]any {
	return map[string]any{
		"cargo":       map[string]any{"buildScripts": map[string]any{"enable": false}},
		"procMacro":   map[string]any{"enable": false},
		"checkOnSave": false,
	}
}

func (f rustFlavor) Configuration(section string) any {
	if section == "rust-analyzer" {
		return f.InitializationOptions()
	}
	return nil
}

func (f rustFlavor) NormalizeHover(h *Hover) {
	// Horizontal rules separate signature and docs.
	h.Contents = strings.ReplaceAll(h.Contents, "\n---\n", "\n\n")
	f.genericFlavor.NormalizeHover(h)
}

// =============================================================================
// SERVER-INITIATED REQUESTS
// =============================================================================

// serverRequestHandler answers the requests servers send during normal
// operation. Unknown methods get MethodNotFound.
func serverRequestHandler(flavor Flavor, rootURI protocol.DocumentURI, rootName string) jsonrpc.RequestHandler {
	return func(_ context.Context, method string, params json.RawMessage) (any, error) {
		switch method {
		case "workspace/configuration":
			var p struct {
				Items []struct {
					Section string `json:"section"`
				} `json:"items"`
			}
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, &jsonrpc.RPCError{Method: method, Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
			}
			out := make([]any, len(p.Items))
			for i, item := range p.Items {
				out[i] = flavor.Configuration(item.Section)
			}
			return out, nil
		case "client/registerCapability", "client/unregisterCapability",
			"window/workDoneProgress/create", "window/showMessageRequest":
			return nil, nil
		case "workspace/workspaceFolders":
			return []map[string]string{{"uri": string(rootURI), "name": rootName}}, nil
		case "workspace/applyEdit":
			return map[string]any{"applied": false, "failureReason": "read-only client"}, nil
		}
		return nil, &jsonrpc.RPCError{Method: method, Code: jsonrpc.CodeMethodNotFound, Message: "method not supported: " + method}
	}
}
