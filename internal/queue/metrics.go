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

package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsEnqueued counts jobs accepted per queue
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_queue_jobs_enqueued_total",
			Help: "Number of jobs accepted per queue",
		},
		[]string{"queue"},
	)

	// jobsCompleted counts jobs that finished successfully per queue
	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_queue_jobs_completed_total",
			Help: "Number of jobs completed per queue",
		},
		[]string{"queue"},
	)

	// jobsFailed counts jobs that exhausted their attempts per queue
	jobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_queue_jobs_failed_total",
			Help: "Number of jobs failed after exhausting attempts per queue",
		},
		[]string{"queue"},
	)

	// jobsRetried counts requeues after a handler failure per queue
	jobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_queue_jobs_retried_total",
			Help: "Number of job retries per queue",
		},
		[]string{"queue"},
	)

	// jobsActive tracks in-flight jobs per queue
	jobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferry_queue_jobs_active",
			Help: "Number of jobs currently being processed per queue",
		},
		[]string{"queue"},
	)
)
