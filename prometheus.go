// Copyright 2024 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package poolvisor

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector exports scheduler metrics through its own
// Prometheus registry.
type PrometheusMetricsCollector struct {
	spawns        *prometheus.CounterVec
	terminates    *prometheus.CounterVec
	exits         *prometheus.CounterVec
	workers       *prometheus.GaugeVec
	records       *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	statusServed  prometheus.Counter
	tasksFinished prometheus.Gauge
	loopDuration  prometheus.Histogram

	registry *prometheus.Registry
}

func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "poolvisor"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawns_total",
			Help:      "Total number of worker spawn attempts",
		},
		[]string{"status"},
	)

	pmc.terminates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_terminate_requests_total",
			Help:      "Total number of terminate signals sent to workers",
		},
		[]string{"mode"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Total number of confirmed worker exits",
		},
		[]string{"premature"},
	)

	pmc.workers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Current number of workers by lifecycle code",
		},
		[]string{"code"},
	)

	pmc.records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_records_received_total",
			Help:      "Total number of IPC records received",
		},
		[]string{"channel", "type"},
	)

	pmc.dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ipc_sends_dropped_total",
			Help:      "Total number of IPC records that could not be sent",
		},
		[]string{"channel"},
	)

	pmc.statusServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_requests_served_total",
			Help:      "Total number of status snapshots sent",
		},
	)

	pmc.tasksFinished = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_finished",
			Help:      "Number of tasks workers started since the scheduler started",
		},
	)

	pmc.loopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "loop_duration_seconds",
			Help:      "Duration of one scheduler loop iteration",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	pmc.registry.MustRegister(
		pmc.spawns,
		pmc.terminates,
		pmc.exits,
		pmc.workers,
		pmc.records,
		pmc.dropped,
		pmc.statusServed,
		pmc.tasksFinished,
		pmc.loopDuration,
	)

	return pmc
}

// Registry returns the registry holding the scheduler metrics, for use
// with promhttp.
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

func (pmc *PrometheusMetricsCollector) WorkerSpawned(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.spawns.WithLabelValues(status).Inc()
}

func (pmc *PrometheusMetricsCollector) TerminateRequested(soft bool) {
	mode := "hard"
	if soft {
		mode = "soft"
	}
	pmc.terminates.WithLabelValues(mode).Inc()
}

func (pmc *PrometheusMetricsCollector) WorkerExited(premature bool) {
	pmc.exits.WithLabelValues(strconv.FormatBool(premature)).Inc()
}

func (pmc *PrometheusMetricsCollector) WorkerCounts(counts map[WorkerCode]int) {
	for _, code := range []WorkerCode{CodeWaiting, CodeRunning, CodeExiting, CodeTerminated} {
		pmc.workers.WithLabelValues(code.String()).Set(float64(counts[code]))
	}
}

func (pmc *PrometheusMetricsCollector) RecordReceived(channel int, msgType string) {
	pmc.records.WithLabelValues(strconv.Itoa(channel), msgType).Inc()
}

func (pmc *PrometheusMetricsCollector) SendDropped(channel int) {
	pmc.dropped.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (pmc *PrometheusMetricsCollector) StatusRequestServed() {
	pmc.statusServed.Inc()
}

func (pmc *PrometheusMetricsCollector) TasksFinished(total uint64) {
	pmc.tasksFinished.Set(float64(total))
}

func (pmc *PrometheusMetricsCollector) LoopDuration(d time.Duration) {
	pmc.loopDuration.Observe(d.Seconds())
}
