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

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newCallCommand(configPath *string) *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "Execute a tool synchronously",
		Long: `Execute a single tool call against the configured endpoint and print
the response content.

Examples:
  ferry call echo --args '{"message": "hello"}'
  ferry call read_file --args '{"path": "/etc/hostname"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd.Context(), *configPath, args[0], argsJSON)
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")

	return cmd
}

func runCall(ctx context.Context, configPath, tool, argsJSON string) error {
	args, err := parseArgs(argsJSON)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	resp, err := rt.svc.ExecuteTool(ctx, tool, args)
	if err != nil {
		return fmt.Errorf("tool call failed: %w", err)
	}

	printResponse(resp)
	if resp.IsError {
		return fmt.Errorf("tool %s reported an error", tool)
	}
	return nil
}

func newToolsCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools the endpoint exposes",
		Long: `Connect to the configured endpoint and print its tool catalog.

Examples:
  ferry tools`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTools(cmd.Context(), *configPath)
		},
	}
	return cmd
}

func runTools(ctx context.Context, configPath string) error {
	rt, err := newRuntime(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	tools, err := rt.svc.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if len(tools) == 0 {
		fmt.Println("No tools exposed.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\n", tool.Name, tool.Description)
	}
	return w.Flush()
}
