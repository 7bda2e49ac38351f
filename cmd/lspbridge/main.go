// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command lspbridge runs language servers behind a resilient query API.
//
// Usage:
//
//	lspbridge serve --config lspbridge.yaml
//	lspbridge query hover internal/greet/greet.go:12:7
//	lspbridge query workspaceSymbol --language go --query Hello
//	lspbridge health --addr 127.0.0.1:8790
//	lspbridge languages
//
// Example requests against a running server:
//
//	curl http://127.0.0.1:8790/v1/lsp/health
//
//	curl -X POST http://127.0.0.1:8790/v1/lsp/query \
//	  -H "Content-Type: application/json" \
//	  -d '{"kind": "definition", "file": "main.go", "line": 10, "character": 4}'
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(newCLI()).Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
