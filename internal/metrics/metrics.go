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

// Package metrics exposes Prometheus counters for job, step, LLM, and
// delivery activity. Metrics register on the default registry so the
// observability metrics endpoint picks them up without extra wiring.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/leadforge/engine/internal/model"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadforge_jobs_total",
			Help: "Total job invocations by terminal status",
		},
		[]string{"status"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadforge_steps_total",
			Help: "Total step executions by step type and outcome",
		},
		[]string{"type", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leadforge_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	llmTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadforge_llm_tokens_total",
			Help: "Total LLM tokens consumed by kind (input, output)",
		},
		[]string{"kind"},
	)

	llmRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadforge_llm_requests_total",
			Help: "Total LLM API requests by outcome category (success or error class)",
		},
		[]string{"category"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadforge_deliveries_total",
			Help: "Total delivery dispatches by method and outcome",
		},
		[]string{"method", "status"},
	)
)

// RecordJob counts a job reaching a terminal status (completed, failed).
func RecordJob(status model.JobStatus) {
	jobsTotal.WithLabelValues(string(status)).Inc()
}

// RecordStep counts one step execution and observes its duration.
// status should be one of: succeeded, failed, skipped.
func RecordStep(stepType model.StepType, status string, duration time.Duration) {
	stepsTotal.WithLabelValues(string(stepType), status).Inc()
	stepDuration.WithLabelValues(string(stepType)).Observe(duration.Seconds())
}

// RecordLLMRequest counts one provider request. category is "success" for
// a completed call or the error classification otherwise.
func RecordLLMRequest(category string) {
	llmRequests.WithLabelValues(category).Inc()
}

// RecordUsage accumulates token counts from a provider response.
func RecordUsage(usage *model.Usage) {
	if usage == nil {
		return
	}
	llmTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	llmTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
}

// RecordDelivery counts one delivery dispatch attempt.
// method is email or webhook; status is success or failure.
func RecordDelivery(method model.DeliveryMethod, status string) {
	deliveries.WithLabelValues(string(method), status).Inc()
}
