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
	"time"
)

// MetricsCollector receives scheduler events for export.
type MetricsCollector interface {
	// WorkerSpawned records a spawn attempt and its outcome.
	WorkerSpawned(err error)

	// TerminateRequested records a terminate signal sent to a worker.
	TerminateRequested(soft bool)

	// WorkerExited records a confirmed worker exit.
	WorkerExited(premature bool)

	// WorkerCounts records the population by lifecycle code.
	WorkerCounts(counts map[WorkerCode]int)

	// RecordReceived records one IPC record taken off a sub-channel.
	RecordReceived(channel int, msgType string)

	// SendDropped records an outgoing record that could not be delivered.
	SendDropped(channel int)

	// StatusRequestServed records a status snapshot sent to a requester.
	StatusRequestServed()

	// TasksFinished records the scheduler's finished task counter.
	TasksFinished(total uint64)

	// LoopDuration records how long one main loop iteration took.
	LoopDuration(d time.Duration)
}

type noopMetricsCollector struct{}

func (n *noopMetricsCollector) WorkerSpawned(err error)                    {}
func (n *noopMetricsCollector) TerminateRequested(soft bool)               {}
func (n *noopMetricsCollector) WorkerExited(premature bool)                {}
func (n *noopMetricsCollector) WorkerCounts(counts map[WorkerCode]int)     {}
func (n *noopMetricsCollector) RecordReceived(channel int, msgType string) {}
func (n *noopMetricsCollector) SendDropped(channel int)                    {}
func (n *noopMetricsCollector) StatusRequestServed()                       {}
func (n *noopMetricsCollector) TasksFinished(total uint64)                 {}
func (n *noopMetricsCollector) LoopDuration(d time.Duration)               {}

// NewNoopMetricsCollector returns a collector that discards everything.
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
