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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"

	"github.com/AleutianAI/lspbridge/services/lspbridge/jsonrpc"
)

func TestFlavorFor(t *testing.T) {
	assert.Equal(t, "go", FlavorFor("go").Name())
	assert.Equal(t, "typescript", FlavorFor("javascript").Name())
	assert.Equal(t, "generic", FlavorFor("zig").Name())
	assert.EqualValues(t, "zig", FlavorFor("zig").LanguageID("main.zig"))
	assert.Nil(t, FlavorFor("zig").InitializationOptions())
}

func TestTypescriptFlavor_LanguageID(t *testing.T) {
	f := FlavorFor("typescript")
	assert.EqualValues(t, "typescript", f.LanguageID("a.ts"))
	assert.EqualValues(t, "typescriptreact", f.LanguageID("a.tsx"))
	assert.EqualValues(t, "javascript", f.LanguageID("a.mjs"))
	assert.EqualValues(t, "javascriptreact", f.LanguageID("a.jsx"))
}

func TestFlavor_NormalizeHover(t *testing.T) {
	goHover := &Hover{Contents: "```go\nfunc Println(a ...any)\n```\n\nPrintln formats.\n\n[`fmt.Println` on pkg.go.dev](https://pkg.go.dev/fmt#Println)\n"}
	FlavorFor("go").NormalizeHover(goHover)
	assert.NotContains(t, goHover.Contents, "pkg.go.dev")
	assert.Contains(t, goHover.Contents, "Println formats.")

	rustHover := &Hover{Contents: "```rust\nfn main()\n```\n---\ndocs"}
	FlavorFor("rust").NormalizeHover(rustHover)
	assert.NotContains(t, rustHover.Contents, "---")
}

func TestFlavor_Configuration(t *testing.T) {
	assert.NotNil(t, FlavorFor("go").Configuration("gopls"))
	assert.Nil(t, FlavorFor("go").Configuration("other"))
	assert.NotNil(t, FlavorFor("python").Configuration("python.analysis"))
	assert.NotNil(t, FlavorFor("rust").Configuration("rust-analyzer"))
}

func TestServerRequestHandler(t *testing.T) {
	root := protocol.DocumentURI("file:///work")
	handle := serverRequestHandler(FlavorFor("python"), root, "work")
	ctx := context.Background()

	t.Run("workspace configuration answers per item", func(t *testing.T) {
		res, err := handle(ctx, "workspace/configuration",
			json.RawMessage(`{"items":[{"section":"python.analysis"},{"section":"editor"}]}`))
		require.NoError(t, err)
		items, ok := res.([]any)
		require.True(t, ok)
		require.Len(t, items, 2)
		assert.NotNil(t, items[0])
		assert.Nil(t, items[1])
	})

	t.Run("bad configuration params", func(t *testing.T) {
		_, err := handle(ctx, "workspace/configuration", json.RawMessage(`[`))
		var rpcErr *jsonrpc.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)
	})

	t.Run("acknowledged requests", func(t *testing.T) {
		for _, m := range []string{"client/registerCapability", "window/workDoneProgress/create"} {
			res, err := handle(ctx, m, json.RawMessage(`{}`))
			assert.NoError(t, err)
			assert.Nil(t, res)
		}
	})

	t.Run("workspace folders", func(t *testing.T) {
		res, err := handle(ctx, "workspace/workspaceFolders", nil)
		require.NoError(t, err)
		assert.Equal(t, []map[string]string{{"uri": "file:///work", "name": "work"}}, res)
	})

	t.Run("edits are refused", func(t *testing.T) {
		res, err := handle(ctx, "workspace/applyEdit", json.RawMessage(`{"edit":{}}`))
		require.NoError(t, err)
		assert.Equal(t, false, res.(map[string]any)["applied"])
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := handle(ctx, "custom/thing", nil)
		var rpcErr *jsonrpc.RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.True(t, rpcErr.IsMethodNotFound())
	})
}
