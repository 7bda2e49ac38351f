// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lsp manages language server processes and answers code
// intelligence queries against them.
//
// Each configured language gets a Manager that owns one server process.
// Servers start lazily, are watched for exit and liveness, and are
// restarted with bounded exponential backoff after a crash. Queries are
// answered from a content-addressed result cache when possible and are
// otherwise sent through a circuit breaker to the server.
//
// # Components
//
//   - Registry: one Manager per language under a workspace root
//   - Manager: lifecycle, restart policy, document sync and queries
//   - Flavor: per-server quirks (initialization options, configuration
//     answers, hover cleanup)
//   - ConfigRegistry: language and file extension mapping
//
// # Lifecycle
//
//	NotStarted ──► Starting ──► Running ──► Crashed ──(backoff)──► Starting
//	                   │                       │
//	                   └──────► Crashed        └──(exhausted)──► terminal
//
//	Shutdown moves any state to Stopped, which is final.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
//
// # Example
//
//	reg := lsp.NewRegistry("/path/to/project", nil, lsp.RegistryConfig{})
//	defer reg.ShutdownAll(context.Background())
//
//	res, err := reg.Query(ctx, lsp.QueryRequest{
//		Kind: lsp.QueryDefinition, File: "main.go", Line: 10, Character: 5,
//	})
package lsp
