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
	"strings"

	"github.com/spf13/cobra"
)

type languageRow struct {
	Language   string   `json:"language"`
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	Extensions []string `json:"extensions"`
	Installed  bool     `json:"installed"`
}

func newLanguagesCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "languages",
		Short: "List configured languages and whether their servers are installed",
		RunE: func(*cobra.Command, []string) error {
			configs := c.cfg.LanguageRegistry()
			var out []languageRow
			for _, lang := range configs.Languages() {
				lc, _ := configs.Get(lang)
				_, err := c.lookPath(lc.Command)
				out = append(out, languageRow{
					Language:   lang,
					Command:    lc.Command,
					Args:       lc.Args,
					Extensions: lc.Extensions,
					Installed:  err == nil,
				})
			}
			if asJSON {
				return writeJSON(c.stdout, out)
			}

			st := stylesFor(c.stdout)
			rows := make([][]string, 0, len(out))
			for _, r := range out {
				installed := "no"
				if r.Installed {
					installed = "yes"
				}
				rows = append(rows, []string{
					r.Language,
					strings.TrimSpace(r.Command + " " + strings.Join(r.Args, " ")),
					strings.Join(r.Extensions, " "),
					st.status(installed),
				})
			}
			st.renderTable(c.stdout, []string{"LANGUAGE", "COMMAND", "EXTENSIONS", "INSTALLED"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
