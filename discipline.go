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
	"sort"
	"time"
)

// Decision is what a Discipline wants done in one loop iteration.
type Decision struct {
	Create        int        `json:"create"`
	Terminate     []WorkerID `json:"terminate"`
	SoftTerminate []WorkerID `json:"soft_terminate"`
}

// Discipline is a scaling policy.  Manage must depend only on its
// arguments; it is called once per loop iteration with a private copy of
// the worker collection.  It must not ask for more workers than the
// collection has room for, and must not name a worker in both lists.
type Discipline interface {
	Manage(cfg Config, workers *WorkerCollection, now time.Time) Decision
}

// DisciplineFunc adapts a plain function to the Discipline interface.
type DisciplineFunc func(Config, *WorkerCollection, time.Time) Decision

func (f DisciplineFunc) Manage(cfg Config, w *WorkerCollection, now time.Time) Decision {
	return f(cfg, w, now)
}

// DynamicDiscipline keeps the pool between MinWorkers and MaxProcesses,
// holding between MinSpareProcesses and MaxSpareProcesses idle workers.
// A worker counts as busy when it reports RUNNING, or when its request
// rate or CPU usage reaches the configured thresholds.  Surplus idle
// workers are asked to leave gracefully once they have been idle for
// ProcessIdleTimeout; a worker that ignores that request for longer than
// TerminateGracePeriod is killed.
type DynamicDiscipline struct{}

func busy(cfg Config, s WorkerState) bool {
	switch {
	case s.Code == CodeRunning:
		return true
	case cfg.BusyRequestsPerSecond > 0 && s.RequestsPerSecond >= cfg.BusyRequestsPerSecond:
		return true
	case cfg.BusyCPUUsage > 0 && s.CPUUsage >= cfg.BusyCPUUsage:
		return true
	}
	return false
}

func (DynamicDiscipline) Manage(cfg Config, workers *WorkerCollection, now time.Time) Decision {
	var d Decision
	var idle []WorkerState
	live := 0

	for _, s := range workers.All() {
		if s.Termination == TermSoft &&
			now.Sub(s.TerminateTime) >= cfg.TerminateGracePeriod {
			d.Terminate = append(d.Terminate, s.ID)
			continue
		}
		if !s.IsLive() {
			continue
		}
		live++
		if s.IsIdle() && !busy(cfg, s) {
			idle = append(idle, s)
		}
	}

	want := 0
	if lo := cfg.MinWorkers(); live < lo {
		want = lo - live
	}
	if spare := cfg.MinSpareProcesses - len(idle); spare > want {
		want = spare
	}
	if room := workers.Available(); want > room {
		want = room
	}
	if want > 0 {
		d.Create = want
		return d
	}

	excess := 0
	if cfg.MaxSpareProcesses > 0 && len(idle) > cfg.MaxSpareProcesses {
		excess = len(idle) - cfg.MaxSpareProcesses
	}
	if floor := live - cfg.MinWorkers(); excess > floor {
		excess = floor
	}
	if excess <= 0 {
		return d
	}

	// longest idle first
	sort.SliceStable(idle, func(i, j int) bool {
		return idle[i].Time.Before(idle[j].Time)
	})
	for _, s := range idle {
		if excess == 0 {
			break
		}
		if now.Sub(s.Time) < cfg.ProcessIdleTimeout {
			break
		}
		d.SoftTerminate = append(d.SoftTerminate, s.ID)
		excess--
	}
	return d
}
