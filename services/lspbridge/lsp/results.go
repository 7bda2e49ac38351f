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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Location is a normalized source range.
type Location struct {
	URI   string         `json:"uri"`
	Path  string         `json:"path,omitempty"`
	Range protocol.Range `json:"range"`
}

// Hover is normalized hover content.
type Hover struct {
	// Contents is the rendered text, markdown when Kind is "markdown".
	Contents string `json:"contents"`
	Kind     string `json:"kind"`

	// Signature is the first fenced code block, when there is one.
	Signature string          `json:"signature,omitempty"`
	Range     *protocol.Range `json:"range,omitempty"`
}

// Symbol is a flattened document or workspace symbol.
type Symbol struct {
	Name          string              `json:"name"`
	Detail        string              `json:"detail,omitempty"`
	Kind          protocol.SymbolKind `json:"kind"`
	KindName      string              `json:"kind_name"`
	ContainerName string              `json:"container_name,omitempty"`
	Location      Location            `json:"location"`
}

var symbolKindNames = [...]string{
	"", "file", "module", "namespace", "package", "class", "method", "property",
	"field", "constructor", "enum", "interface", "function", "variable", "constant",
	"string", "number", "boolean", "array", "object", "key", "null", "enum_member",
	"struct", "event", "operator", "type_parameter",
}

func symbolKindName(k protocol.SymbolKind) string {
	if int(k) > 0 && int(k) < len(symbolKindNames) {
		return symbolKindNames[int(k)]
	}
	return "unknown"
}

func newLocation(u protocol.DocumentURI, r protocol.Range) Location {
	loc := Location{URI: string(u), Range: r}
	if strings.HasPrefix(string(u), "file://") {
		loc.Path = uri.URI(u).Filename()
	}
	return loc
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// wireLocation decodes both Location and LocationLink.
type wireLocation struct {
	URI                  protocol.DocumentURI `json:"uri"`
	Range                protocol.Range       `json:"range"`
	TargetURI            protocol.DocumentURI `json:"targetUri"`
	TargetSelectionRange protocol.Range       `json:"targetSelectionRange"`
}

func (w wireLocation) normalize() Location {
	if w.TargetURI != "" {
		return newLocation(w.TargetURI, w.TargetSelectionRange)
	}
	return newLocation(w.URI, w.Range)
}

// parseLocations accepts null, a single Location or LocationLink, or an
// array mixing both.
func parseLocations(raw json.RawMessage) ([]Location, error) {
	if isNull(raw) {
		return []Location{}, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] == '{' {
		var w wireLocation
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return nil, fmt.Errorf("%w: location: %v", ErrInvalidResponse, err)
		}
		return []Location{w.normalize()}, nil
	}
	var ws []wireLocation
	if err := json.Unmarshal(trimmed, &ws); err != nil {
		return nil, fmt.Errorf("%w: locations: %v", ErrInvalidResponse, err)
	}
	out := make([]Location, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.normalize())
	}
	return out, nil
}

// parseHover accepts MarkupContent, MarkedString, or an array of
// MarkedString in the contents field.
func parseHover(raw json.RawMessage) (*Hover, error) {
	if isNull(raw) {
		return nil, nil
	}
	var wire struct {
		Contents json.RawMessage `json:"contents"`
		Range    *protocol.Range `json:"range"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: hover: %v", ErrInvalidResponse, err)
	}
	text, kind, err := renderHoverContents(wire.Contents)
	if err != nil {
		return nil, err
	}
	h := &Hover{Contents: text, Kind: kind, Range: wire.Range}
	h.Signature = firstCodeBlock(text)
	return h, nil
}

func renderHoverContents(raw json.RawMessage) (string, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if isNull(trimmed) {
		return "", string(protocol.PlainText), nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", "", fmt.Errorf("%w: hover string: %v", ErrInvalidResponse, err)
		}
		return s, string(protocol.Markdown), nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return "", "", fmt.Errorf("%w: hover array: %v", ErrInvalidResponse, err)
		}
		rendered := make([]string, 0, len(parts))
		for _, p := range parts {
			s, _, err := renderHoverContents(p)
			if err != nil {
				return "", "", err
			}
			if s != "" {
				rendered = append(rendered, s)
			}
		}
		return strings.Join(rendered, "\n\n"), string(protocol.Markdown), nil
	case '{':
		var obj struct {
			Kind     string `json:"kind"`
			Language string `json:"language"`
			Value    string `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return "", "", fmt.Errorf("%w: hover object: %v", ErrInvalidResponse, err)
		}
		if obj.Kind != "" {
			return obj.Value, obj.Kind, nil
		}
		return "```" + obj.Language + "\n" + obj.Value + "\n```", string(protocol.Markdown), nil
	}
	return "", "", fmt.Errorf("%w: hover contents %q", ErrInvalidResponse, truncateForError(trimmed))
}

func firstCodeBlock(markdown string) string {
	start := strings.Index(markdown, "```")
	if start < 0 {
		return ""
	}
	rest := markdown[start+3:]
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return ""
	}
	rest = rest[nl+1:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// parseSymbols accepts hierarchical DocumentSymbol trees or flat
// SymbolInformation lists. docURI locates DocumentSymbols, which carry no
// URI of their own.
func parseSymbols(raw json.RawMessage, docURI protocol.DocumentURI) ([]Symbol, error) {
	if isNull(raw) {
		return []Symbol{}, nil
	}
	var probe []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: symbols: %v", ErrInvalidResponse, err)
	}
	if len(probe) == 0 {
		return []Symbol{}, nil
	}
	if _, flat := probe[0]["location"]; flat {
		var infos []protocol.SymbolInformation
		if err := json.Unmarshal(raw, &infos); err != nil {
			return nil, fmt.Errorf("%w: symbol information: %v", ErrInvalidResponse, err)
		}
		out := make([]Symbol, 0, len(infos))
		for _, s := range infos {
			out = append(out, Symbol{
				Name:          s.Name,
				Kind:          s.Kind,
				KindName:      symbolKindName(s.Kind),
				ContainerName: s.ContainerName,
				Location:      newLocation(s.Location.URI, s.Location.Range),
			})
		}
		return out, nil
	}

	var tree []protocol.DocumentSymbol
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("%w: document symbols: %v", ErrInvalidResponse, err)
	}
	var out []Symbol
	flattenSymbols(&out, tree, "", docURI)
	return out, nil
}

func flattenSymbols(dst *[]Symbol, symbols []protocol.DocumentSymbol, container string, docURI protocol.DocumentURI) {
	for _, s := range symbols {
		*dst = append(*dst, Symbol{
			Name:          s.Name,
			Detail:        s.Detail,
			Kind:          s.Kind,
			KindName:      symbolKindName(s.Kind),
			ContainerName: container,
			Location:      newLocation(docURI, s.SelectionRange),
		})
		if len(s.Children) > 0 {
			flattenSymbols(dst, s.Children, s.Name, docURI)
		}
	}
}

func truncateForError(b []byte) string {
	const limit = 64
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
