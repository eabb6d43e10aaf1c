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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/gdamore/poolvisor/ipc"
)

// DefaultReportInterval is how often a running Worker pushes its status
// even when nothing changed.
const DefaultReportInterval = time.Second

// WorkerMain is the entry point of a worker.  It runs inside the new
// execution unit, and should return once w.Context() is done.
type WorkerMain func(w *Worker) error

// CPUSampler reports CPU usage, in percent, since the previous call.
type CPUSampler interface {
	Percent() (float64, error)
}

type processSampler struct {
	proc *process.Process
}

func (ps *processSampler) Percent() (float64, error) {
	return ps.proc.Percent(0)
}

// NewCPUSampler samples the CPU usage of the process pid.
func NewCPUSampler(pid int) (CPUSampler, error) {
	p, e := process.NewProcess(int32(pid))
	if e != nil {
		return nil, e
	}
	return &processSampler{proc: p}, nil
}

// Worker is the worker side view of one pool member.  It reports its
// lifecycle and counters to the scheduler over IPC sub-channel 0.
type Worker struct {
	id       WorkerID
	service  string
	ch       ipc.Channel
	sampler  CPUSampler
	clock    func() time.Time
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc

	code        WorkerCode
	since       time.Time
	desc        string
	finished    uint64
	cpu         float64
	rps         float64
	windowStart time.Time
	windowCount uint64
	mx          sync.Mutex
}

type WorkerOption func(*Worker)

func WithCPUSampler(s CPUSampler) WorkerOption {
	return func(w *Worker) {
		w.sampler = s
	}
}

func WithWorkerClock(clock func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.clock = clock
	}
}

// WithReportInterval sets the periodic report interval.  Zero disables
// periodic reports.
func WithReportInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.interval = d
	}
}

// NewWorker creates the worker side state for id, reporting over ch.
func NewWorker(id WorkerID, service string, ch ipc.Channel, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:       id,
		service:  service,
		ch:       ch,
		clock:    time.Now,
		interval: DefaultReportInterval,
		code:     CodeWaiting,
	}
	for _, o := range opts {
		o(w)
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.since = w.clock()
	w.windowStart = w.since
	return w
}

func (w *Worker) ID() WorkerID {
	return w.id
}

func (w *Worker) ServiceName() string {
	return w.service
}

// Context is cancelled when the worker has been asked to stop.
func (w *Worker) Context() context.Context {
	return w.ctx
}

// SoftStop asks the worker to finish what it is doing and leave.
func (w *Worker) SoftStop() {
	w.cancel()
}

// Running marks the start of a unit of work.
func (w *Worker) Running() error {
	return w.transition(CodeRunning)
}

// Waiting marks the worker idle.  Coming from RUNNING, it counts one
// finished request.
func (w *Worker) Waiting() error {
	return w.transition(CodeWaiting)
}

func (w *Worker) transition(code WorkerCode) error {
	w.mx.Lock()
	if w.code == CodeRunning && code != CodeRunning {
		w.finished++
		w.windowCount++
	}
	if w.code != code {
		w.code = code
		w.since = w.clock()
	}
	w.mx.Unlock()
	return w.Report()
}

func (w *Worker) SetDescription(desc string) {
	w.mx.Lock()
	w.desc = desc
	w.mx.Unlock()
}

// State returns the worker's current view of itself.
func (w *Worker) State() WorkerState {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.stateLocked()
}

func (w *Worker) stateLocked() WorkerState {
	return WorkerState{
		ID:                w.id,
		Code:              w.code,
		Time:              w.since,
		ServiceName:       w.service,
		RequestsFinished:  w.finished,
		RequestsPerSecond: w.rps,
		CPUUsage:          w.cpu,
		StatusDescription: w.desc,
	}
}

// sample refreshes the rate and CPU figures.  The request rate is
// computed over windows of at least one second.
func (w *Worker) sample() {
	now := w.clock()
	if elapsed := now.Sub(w.windowStart); elapsed >= time.Second {
		w.rps = float64(w.windowCount) / elapsed.Seconds()
		w.windowCount = 0
		w.windowStart = now
	}
	if w.sampler != nil {
		if pct, e := w.sampler.Percent(); e == nil && pct >= 0 {
			w.cpu = pct
		}
	}
}

// Report sends the current status.
func (w *Worker) Report() error {
	w.mx.Lock()
	w.sample()
	st := w.stateLocked()
	w.mx.Unlock()

	raw, e := EncodeWorkerStatus(st)
	if e != nil {
		return e
	}
	return w.ch.Send(ipc.AudienceAll, ipc.Message{
		Type:     ipc.TypeStatus,
		Priority: PriInfo.String(),
		Message:  "statusSent",
		Extra: ipc.Extra{
			UID:    int64(w.id),
			Logger: w.service,
			Status: raw,
		},
	})
}

// Logf sends one log line to the scheduler's log.
func (w *Worker) Logf(p Priority, format string, args ...interface{}) error {
	return w.ch.Send(ipc.AudienceAll, ipc.Message{
		Type:     ipc.TypeLog,
		Priority: p.String(),
		Message:  fmt.Sprintf(format, args...),
		Extra: ipc.Extra{
			UID:    int64(w.id),
			Logger: w.service,
		},
	})
}

// Run reports the worker ready, runs main, and reports the exit.  Status
// is pushed periodically while main runs.
func (w *Worker) Run(main WorkerMain) error {
	if e := w.Report(); e != nil {
		return e
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	if w.interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(w.interval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					w.Report()
				}
			}
		}()
	}

	err := main(w)
	close(stop)
	wg.Wait()
	w.cancel()

	w.transition(CodeExiting)
	w.transition(CodeTerminated)
	return err
}
