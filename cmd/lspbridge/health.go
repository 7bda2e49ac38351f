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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/services/lspbridge/api"
)

func newHealthCmd(c *cli) *cobra.Command {
	var (
		addr    string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show language server health from a running bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.HTTP.Addr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := fetchHealth(ctx, addr)
			if err != nil {
				return &exitErr{code: exitUnavailable, err: err}
			}
			if asJSON {
				return writeJSON(c.stdout, resp)
			}
			printHealth(c.stdout, resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "bridge address (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func fetchHealth(ctx context.Context, addr string) (*api.HealthResponse, error) {
	url := "http://" + addr + "/v1/lsp/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bridge not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("health request failed: %s: %s", resp.Status, body)
	}
	var out api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode health response: %w", err)
	}
	return &out, nil
}

func printHealth(w io.Writer, resp *api.HealthResponse) {
	st := stylesFor(w)
	fmt.Fprintf(w, "workspace: %s\nstatus:    %s\n", resp.Workspace, st.status(resp.Status))

	rows := make([][]string, 0, len(resp.Languages))
	for _, h := range resp.Languages {
		pid := "-"
		if h.PID > 0 {
			pid = strconv.Itoa(h.PID)
		}
		rows = append(rows, []string{
			h.Language,
			st.status(string(h.Status)),
			h.CircuitState,
			pid,
			strconv.Itoa(h.RestartCount),
			formatUptime(h.Uptime),
			orDash(h.LastError),
		})
	}
	st.renderTable(w, []string{"LANGUAGE", "STATUS", "CIRCUIT", "PID", "RESTARTS", "UPTIME", "LAST ERROR"}, rows)
}
