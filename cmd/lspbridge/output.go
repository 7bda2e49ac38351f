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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/AleutianAI/lspbridge/services/lspbridge/lsp"
)

var (
	colorOK      = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")
	colorHeader  = lipgloss.Color("#20B9B4")
)

// styles renders plain text unless the destination is a terminal.
type styles struct {
	color bool
}

func stylesFor(w io.Writer) styles { return styles{color: isTerminal(w)} }

func (s styles) fg(c lipgloss.Color) lipgloss.Style {
	if !s.color {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(c)
}

func (s styles) status(status string) string {
	switch status {
	case string(lsp.HealthHealthy), "yes", "ok":
		return s.fg(colorOK).Render(status)
	case string(lsp.HealthStarting), "degraded":
		return s.fg(colorWarning).Render(status)
	case string(lsp.HealthCrashed), string(lsp.HealthStopped), "no":
		return s.fg(colorError).Render(status)
	default:
		return s.fg(colorMuted).Render(status)
	}
}

// renderTable draws headers and rows. Colors are only applied for
// terminals, so piped output stays grep-friendly.
func (s styles) renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...)
	if s.color {
		t = t.BorderStyle(lipgloss.NewStyle().Foreground(colorMuted)).
			StyleFunc(func(row, _ int) lipgloss.Style {
				base := lipgloss.NewStyle().Padding(0, 1)
				if row == table.HeaderRow {
					return base.Bold(true).Foreground(colorHeader)
				}
				return base
			})
	} else {
		t = t.StyleFunc(func(int, int) lipgloss.Style { return lipgloss.NewStyle().Padding(0, 1) })
	}
	fmt.Fprintln(w, t.Render())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatUptime(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Truncate(time.Second).String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
