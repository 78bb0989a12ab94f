// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package telemetry registers the gateway's Prometheus collectors and offers
// small helpers so hot paths never build label maps inline. Registration is
// eager; if no scrape endpoint is mounted the collectors are harmless.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "HTTP requests handled, by route, method and status code",
	}, []string{"route", "method", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"route"})

	rateLimitDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limit_denials_total",
		Help: "Requests denied by the token bucket, by scope (rpm, rph, ip, quota)",
	}, []string{"scope"})

	breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_breaker_state",
		Help: "Circuit breaker state by name (0 closed, 1 half_open, 2 open)",
	}, []string{"name"})

	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_breaker_transitions_total",
		Help: "Circuit breaker state transitions by name and target state",
	}, []string{"name", "to"})

	upstreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_upstream_duration_seconds",
		Help:    "Latency of calls to the model provider, by operation",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"op"})

	tokensMetered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_tokens_total",
		Help: "LLM tokens metered through the usage ledger, by direction",
	}, []string{"direction"})

	itemsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_items_ingested_total",
		Help: "Memory items written by the consolidator, by kind and outcome",
	}, []string{"kind", "outcome"})

	retrievalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_retrieval_duration_seconds",
		Help:    "Latency of recall scoring and selection",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	idempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_idempotent_replays_total",
		Help: "Responses served from the idempotency cache",
	})

	jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_jobs_processed_total",
		Help: "Background jobs finished, by queue and status",
	}, []string{"queue", "status"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gateway_queue_depth",
		Help: "Jobs waiting per queue at last poll",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(
		requestsTotal, requestDuration, rateLimitDenials,
		breakerState, breakerTransitions,
		upstreamDuration, tokensMetered,
		itemsIngested, retrievalDuration, idempotentReplays,
		jobsProcessed, queueDepth,
	)
}

// Handler returns the scrape handler for mounting by the process entrypoint.
func Handler() http.Handler { return promhttp.Handler() }

// ObserveRequest records one finished HTTP request.
func ObserveRequest(route, method string, status int, elapsed time.Duration) {
	requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// RecordRateLimitDenial counts a denial for the given scope.
func RecordRateLimitDenial(scope string) {
	rateLimitDenials.WithLabelValues(scope).Inc()
}

// SetBreakerState publishes the numeric state of a breaker.
func SetBreakerState(name string, state float64) {
	breakerState.WithLabelValues(name).Set(state)
}

// RecordBreakerTransition counts a transition into the named state.
func RecordBreakerTransition(name, to string) {
	breakerTransitions.WithLabelValues(name, to).Inc()
}

// ObserveUpstream records the latency of one provider call.
func ObserveUpstream(op string, elapsed time.Duration) {
	upstreamDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordTokens meters ledger tokens in one direction ("prompt",
// "completion" or "embedding").
func RecordTokens(direction string, n int64) {
	if n > 0 {
		tokensMetered.WithLabelValues(direction).Add(float64(n))
	}
}

// RecordItem counts a consolidator outcome ("added", "updated", "skipped").
func RecordItem(kind, outcome string) {
	itemsIngested.WithLabelValues(kind, outcome).Inc()
}

// ObserveRetrieval records the latency of one recall pass.
func ObserveRetrieval(elapsed time.Duration) {
	retrievalDuration.Observe(elapsed.Seconds())
}

// RecordIdempotentReplay counts a response replayed from the cache.
func RecordIdempotentReplay() { idempotentReplays.Inc() }

// RecordJob counts a finished job ("succeeded", "failed", "canceled").
func RecordJob(queue, status string) {
	jobsProcessed.WithLabelValues(queue, status).Inc()
}

// SetQueueDepth publishes the queue depth observed by a poll.
func SetQueueDepth(queue string, depth int64) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}
