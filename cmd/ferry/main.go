// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ferry is the one-shot CLI for the execution core: call a tool, list
// the catalog, enqueue tracked jobs, and inspect tracking state.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tombee/ferry/internal/config"
	"github.com/tombee/ferry/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ferry",
		Short: "Resilient tool execution against an external MCP process",
		Long: `ferry drives the resilient tool-execution core from the command line:
one-shot tool calls, catalog listing, durable job enqueueing, and
tracking-store inspection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"Path to the ferry config file")

	cmd.AddCommand(
		newCallCommand(&configPath),
		newToolsCommand(&configPath),
		newEnqueueCommand(&configPath),
		newJobsCommand(&configPath),
		newAuditCommand(&configPath),
		newVersionCommand(),
	)
	cmd.SetHelpCommand(newHelpCommand(cmd))

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ferry %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ferry.yaml"
	}
	return filepath.Join(home, ".ferry", "ferry.yaml")
}

// cliLogger builds a quiet logger for one-shot use. Environment settings
// still win so failures can be debugged with FERRY_DEBUG=1.
func cliLogger() *slog.Logger {
	cfg := log.FromEnv()
	if os.Getenv("FERRY_DEBUG") == "" && os.Getenv("FERRY_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		cfg.Level = "error"
		cfg.Format = log.FormatText
	}
	return log.New(cfg)
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}
