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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ferry/internal/executor"
	"github.com/tombee/ferry/internal/queue"
)

func newEnqueueCommand(configPath *string) *cobra.Command {
	var (
		argsJSON string
		priority int
		delay    time.Duration
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <tool>",
		Short: "Run a tool through the durable work queue",
		Long: `Enqueue a tracked tool-execution job, drive it to completion with an
in-process worker, and print the result. The job's status and result
survive in the tracking store; use "ferry jobs" to inspect them later.

Examples:
  ferry enqueue echo --args '{"message": "hello"}'
  ferry enqueue slow_tool --delay 5s --wait 2m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd.Context(), *configPath, args[0], argsJSON, priority, delay, wait)
		},
	}

	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "Dispatch priority (higher runs first)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Hold the job back before dispatch")
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Minute, "How long to wait for the job to finish")

	return cmd
}

func runEnqueue(ctx context.Context, configPath, tool, argsJSON string, priority int, delay, wait time.Duration) error {
	args, err := parseArgs(argsJSON)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.svc.StartQueues(executor.QueueSetup{
		ToolConcurrency:  1,
		ToolMaxAttempts:  rt.cfg.Queue.ToolExecution.MaxAttempts,
		ToolRetryBackoff: rt.cfg.Queue.ToolExecution.RetryBackoff,
	}); err != nil {
		return fmt.Errorf("failed to start queue worker: %w", err)
	}

	// Subscribe before enqueueing so no terminal event is missed.
	events := rt.queue.Events()

	// Enqueue through the manager directly to keep hold of the tracking id,
	// which names the row "ferry jobs" shows.
	job := &queue.Job{ToolExecution: &queue.ToolExecutionPayload{
		Tool:      tool,
		Arguments: args,
	}}
	jobID, err := rt.queue.AddJob(ctx, queue.ToolExecutionQueue, job,
		queue.AddJobOptions{Priority: priority, Delay: delay, TrackInDB: true})
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	fmt.Printf("enqueued job %s (tracking %s)\n", jobID, job.TrackingID)

	deadline := time.NewTimer(wait + delay)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("queue shut down before job %s finished", jobID)
			}
			if ev.JobID != jobID {
				continue
			}
			switch ev.Type {
			case queue.EventProgress:
				// Quiet; progress is visible in the tracking store.
			case queue.EventRetried:
				fmt.Printf("attempt failed, retrying: %s\n", ev.Error)
			case queue.EventCompleted:
				fmt.Println("completed")
				return printJobResult(ctx, rt, job.TrackingID)
			case queue.EventFailed:
				return fmt.Errorf("job %s failed: %s", jobID, ev.Error)
			}
		case <-deadline.C:
			return fmt.Errorf("job %s did not finish within %s", jobID, wait+delay)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printJobResult(ctx context.Context, rt *runtime, trackingID string) error {
	record, err := rt.store.GetJob(ctx, trackingID)
	if err != nil {
		return fmt.Errorf("job completed but its tracking row could not be read: %w", err)
	}
	if record.ResultJSON != "" {
		fmt.Println(record.ResultJSON)
	}
	return nil
}
