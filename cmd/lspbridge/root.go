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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/pkg/logging"
	"github.com/AleutianAI/lspbridge/services/lspbridge/config"
	"github.com/AleutianAI/lspbridge/services/lspbridge/process"
)

// Exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitUnavailable = 3
)

// cli carries state shared by every command. Tests replace the writers and
// the launcher.
type cli struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	jsonLogs   bool

	cfg    *config.Config
	logger *logging.Logger

	// launcher overrides process launching; nil uses real processes.
	launcher process.Launcher
	lookPath func(string) (string, error)
}

func newCLI() *cli {
	return &cli{stdout: os.Stdout, stderr: os.Stderr, lookPath: exec.LookPath}
}

// exitErr marks an error with a process exit code.
type exitErr struct {
	code int
	err  error
}

func (e *exitErr) Error() string { return e.err.Error() }
func (e *exitErr) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitErr
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitError
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "lspbridge",
		Short:         "Run language servers behind a resilient query API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Close()
			}
		},
	}
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "lspbridge.yaml",
		"configuration file; a missing file means defaults")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "",
		"log level: debug, info, warn or error (overrides the config)")
	root.PersistentFlags().BoolVar(&c.jsonLogs, "json-logs", false,
		"write JSON logs to stderr (default when stderr is not a terminal)")

	root.AddCommand(
		newServeCmd(c),
		newQueryCmd(c),
		newHealthCmd(c),
		newLanguagesCmd(c),
	)
	return root
}

// setup loads configuration and builds the logger.
func (c *cli) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Logging.Level = c.logLevel
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "lspbridge",
		JSON:    c.jsonLogs || cfg.Logging.JSON || !isTerminal(c.stderr),
		Output:  c.stderr,
	})
	slog.SetDefault(c.logger.Slog())
	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func usageErr(format string, args ...any) error {
	return &exitErr{code: exitError, err: fmt.Errorf(format, args...)}
}
