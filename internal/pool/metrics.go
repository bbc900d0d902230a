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

package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// poolSessions tracks the number of pooled sessions
	poolSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_pool_sessions",
			Help: "Number of sessions currently in the pool",
		},
	)

	// poolInUse tracks the number of sessions lent out
	poolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_pool_sessions_in_use",
			Help: "Number of pooled sessions currently lent to callers",
		},
	)

	// poolWaiting tracks the number of callers queued for a session
	poolWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_pool_waiters",
			Help: "Number of callers waiting for a session",
		},
	)
)

// updateGauges refreshes the pool gauges. Callers must hold p.mu.
func (p *Pool) updateGauges() {
	inUse := 0
	for _, e := range p.entries {
		if e.inUse {
			inUse++
		}
	}
	poolSessions.Set(float64(len(p.entries)))
	poolInUse.Set(float64(inUse))
	poolWaiting.Set(float64(len(p.waiters)))
}
