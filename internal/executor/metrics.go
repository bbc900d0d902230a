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

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// toolCalls counts tool executions by tool and outcome
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_tool_calls_total",
			Help: "Number of tool executions by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	// toolCallDuration observes tool execution latency
	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_tool_call_duration_seconds",
			Help:    "Tool execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// circuitRejections counts calls refused by an open circuit
	circuitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_circuit_rejections_total",
			Help: "Number of tool calls rejected by an open circuit",
		},
		[]string{"tool"},
	)
)

const (
	outcomeSuccess  = "success"
	outcomeAppError = "app_error"
	outcomeFailure  = "failure"
)
