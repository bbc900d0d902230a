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
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ferry/internal/store"
)

func newJobsCommand(configPath *string) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List tracked jobs",
		Long: `List jobs from the tracking store, newest first. Only reads the
store; the external process is never contacted.

Examples:
  ferry jobs
  ferry jobs --status FAILED --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd.Context(), *configPath, status, limit)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, ACTIVE, COMPLETED, FAILED)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to show")

	return cmd
}

func runJobs(ctx context.Context, configPath, status string, limit int) error {
	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListJobs(ctx, store.JobStatus(strings.ToUpper(status)), limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tQUEUE\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID, job.Queue, job.Status, job.Attempts,
			job.CreatedAt.Local().Format(time.RFC3339), truncate(job.Error, 60))
	}
	return w.Flush()
}

func newAuditCommand(configPath *string) *cobra.Command {
	var (
		tool  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recorded tool executions",
		Long: `List the tool-execution audit trail from the tracking store, newest
first.

Examples:
  ferry audit
  ferry audit --tool read_file --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd.Context(), *configPath, tool, limit)
		},
	}

	cmd.Flags().StringVar(&tool, "tool", "", "Filter by tool name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of executions to show")

	return cmd
}

func runAudit(ctx context.Context, configPath, tool string, limit int) error {
	st, err := openStore(configPath)
	if err != nil {
		return err
	}
	defer st.Close()

	execs, err := st.ListToolExecutions(ctx, tool, limit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Println("No tool executions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTED\tTOOL\tDURATION\tRESULT\tSESSION")
	for _, e := range execs {
		result := "ok"
		if e.IsError {
			result = "error"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.ExecutedAt.Local().Format(time.RFC3339), e.Tool, e.Duration, result, e.SessionID)
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
