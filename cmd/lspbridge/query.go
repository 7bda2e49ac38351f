// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

type queryFlags struct {
	language           string
	query              string
	includeDeclaration bool
	timeout            time.Duration
	json               bool
}

func newQueryCmd(c *cli) *cobra.Command {
	var f queryFlags
	cmd := &cobra.Command{
		Use:   "query <kind> [file[:line[:column]]]",
		Short: "Run one query against a freshly started language server",
		Long: `Starts the server for the file's language, runs one query and shuts the
server down. Line and column are 1-based, as editors show them.

Kinds: ` + strings.Join(kindNames(), ", "),
		Example: `  lspbridge query definition cmd/api/main.go:42:10
  lspbridge query references internal/store/store.go:17:6 --include-declaration
  lspbridge query workspaceSymbol --language go --query NewServer`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildQuery(args, f)
			if err != nil {
				return err
			}
			return c.runQuery(cmd.Context(), req, f.json)
		},
	}
	cmd.Flags().StringVarP(&f.language, "language", "l", "", "language; inferred from the file when omitted")
	cmd.Flags().StringVarP(&f.query, "query", "q", "", "search string for workspaceSymbol")
	cmd.Flags().BoolVar(&f.includeDeclaration, "include-declaration", false, "include the declaration in references")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "request timeout (default from config)")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the raw result as JSON")
	return cmd
}

func kindNames() []string {
	kinds := lsp.QueryKinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// buildQuery turns CLI arguments into a request. Positions are converted
// from 1-based to the protocol's 0-based form.
func buildQuery(args []string, f queryFlags) (lsp.QueryRequest, error) {
	kind, err := lsp.ParseQueryKind(args[0])
	if err != nil {
		return lsp.QueryRequest{}, usageErr("unknown query kind %q (want one of %s)", args[0], strings.Join(kindNames(), ", "))
	}
	req := lsp.QueryRequest{
		Language:           strings.ToLower(f.language),
		Kind:               kind,
		Query:              f.query,
		IncludeDeclaration: f.includeDeclaration,
		Timeout:            f.timeout,
	}
	if len(args) == 2 {
		file, line, col, err := parseLocation(args[1])
		if err != nil {
			return lsp.QueryRequest{}, err
		}
		req.File, req.Line, req.Character = file, line, col
	}
	return req, nil
}

// parseLocation splits "path[:line[:column]]". A Windows drive prefix is
// kept with the path.
func parseLocation(s string) (file string, line, col int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) > 1 && len(parts[0]) == 1 && filepath.VolumeName(parts[0]+":") != "" {
		parts = append([]string{parts[0] + ":" + parts[1]}, parts[2:]...)
	}
	if len(parts) > 3 {
		return "", 0, 0, usageErr("invalid location %q: want file[:line[:column]]", s)
	}
	file = parts[0]
	nums := make([]int, 0, 2)
	for _, p := range parts[1:] {
		n, convErr := strconv.Atoi(p)
		if convErr != nil || n < 1 {
			return "", 0, 0, usageErr("invalid location %q: line and column are positive integers", s)
		}
		nums = append(nums, n-1)
	}
	if len(nums) > 0 {
		line = nums[0]
	}
	if len(nums) > 1 {
		col = nums[1]
	}
	return file, line, col, nil
}

func (c *cli) runQuery(ctx context.Context, req lsp.QueryRequest, asJSON bool) error {
	logger := c.logger.Slog()
	a, err := bootstrap(ctx, c.cfg, logger, bootstrapOptions{launcher: c.launcher, lookPath: c.lookPath})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Servers.ShutdownGrace+time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	res, err := a.registry.Query(ctx, req)
	if err != nil {
		if errors.Is(err, lsp.ErrUnavailable) {
			return &exitErr{code: exitUnavailable, err: err}
		}
		return err
	}
	if asJSON {
		return writeJSON(c.stdout, res)
	}
	printResult(c.stdout, c.cfg.Workspace, res)
	return nil
}

func printResult(w io.Writer, root string, res *lsp.QueryResult) {
	switch {
	case res.Hover != nil:
		fmt.Fprintln(w, strings.TrimSpace(res.Hover.Contents))
	case len(res.Symbols) > 0:
		rows := make([][]string, 0, len(res.Symbols))
		for _, s := range res.Symbols {
			rows = append(rows, []string{
				s.Name,
				s.KindName,
				orDash(s.ContainerName),
				location(root, s.Location),
			})
		}
		stylesFor(w).renderTable(w, []string{"NAME", "KIND", "CONTAINER", "LOCATION"}, rows)
	case len(res.Locations) > 0:
		for _, l := range res.Locations {
			fmt.Fprintln(w, location(root, l))
		}
	default:
		fmt.Fprintln(w, "no results")
	}
}

// location prints a 1-based "path:line:column", relative to root when the
// file lies inside it.
func location(root string, l lsp.Location) string {
	path := l.Path
	if path == "" {
		path = l.URI
	}
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		path = rel
	}
	return fmt.Sprintf("%s:%d:%d", path, l.Range.Start.Line+1, l.Range.Start.Character+1)
}
