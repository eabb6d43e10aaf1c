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
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gdamore/poolvisor/ipc"
)

// MessageHandler receives IPC records of types the scheduler does not
// handle itself.  It runs on the control loop and must not block.
type MessageHandler func(channel int, rec ipc.Record) error

type schedState int

const (
	stateIdle schedState = iota
	stateRunning
	stateStopped
)

// Scheduler supervises one pool of workers.  All worker bookkeeping is
// done by the goroutine running Start; other goroutines see the pool only
// through published snapshots.
type Scheduler struct {
	cfg        Config
	id         WorkerID
	mpm        MPM
	discipline Discipline
	hub        Hub
	metrics    MetricsCollector
	handler    MessageHandler
	clock      func() time.Time
	mlog       *MultiLogger
	log        *Log
	logger     *log.Logger

	// owned by the control loop
	workers    *WorkerCollection
	limiter    *rate.Limiter
	finished   uint64
	startTime  time.Time
	lastGC     time.Time
	active     bool
	daemon     bool
	listening  bool
	pidWritten bool
	shut       bool

	snapshot atomic.Pointer[Snapshot]
	state    schedState
	stopping bool
	stopCh   chan struct{}
	done     chan struct{}
	mx       sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMPM sets the backend that spawns and kills workers.  It is required.
func WithMPM(m MPM) Option {
	return func(s *Scheduler) {
		s.mpm = m
	}
}

func WithDiscipline(d Discipline) Option {
	return func(s *Scheduler) {
		s.discipline = d
	}
}

// WithHub replaces the default unix socket IPC server.
func WithHub(h Hub) Option {
	return func(s *Scheduler) {
		s.hub = h
	}
}

func WithMetrics(m MetricsCollector) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithLogger adds a destination for scheduler log output.  The in-memory
// Log always receives it.
func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) {
		s.mlog.AddLogger(l)
	}
}

func WithMessageHandler(h MessageHandler) Option {
	return func(s *Scheduler) {
		s.handler = h
	}
}

// WithClock replaces time.Now for every timestamp and timeout decision.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithID sets the scheduler's IPC sender id.  It defaults to the pid.
func WithID(id WorkerID) Option {
	return func(s *Scheduler) {
		s.id = id
	}
}

// NewScheduler creates a scheduler.  Nothing is started until Start.
func NewScheduler(cfg Config, opts ...Option) (*Scheduler, error) {
	if e := cfg.Validate(); e != nil {
		return nil, e
	}
	s := &Scheduler{
		cfg:        cfg,
		id:         WorkerID(os.Getpid()),
		discipline: DynamicDiscipline{},
		metrics:    NewNoopMetricsCollector(),
		clock:      time.Now,
		mlog:       NewMultiLogger(),
		log:        NewLog(),
		workers:    NewWorkerCollection(cfg.MaxProcesses),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.mlog.AddWriter(s.log, 0)
	s.mlog.SetPrefix(fmt.Sprintf("[%s] ", cfg.ServiceName))
	s.logger = s.mlog.Logger()
	for _, o := range opts {
		o(s)
	}
	if s.mpm == nil {
		return nil, fmt.Errorf("%w: no MPM", ErrBadConfig)
	}
	if s.hub == nil {
		s.hub = ipc.NewServer(int64(s.id), cfg.IpcDirectory, cfg.ServiceName, s.logger)
	}
	if cfg.SpawnRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), cfg.MaxProcesses)
	}
	s.publish(s.clock())
	return s, nil
}

func (s *Scheduler) ID() WorkerID {
	return s.id
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

// Log returns the in-memory log of this scheduler.
func (s *Scheduler) Log() *Log {
	return s.log
}

// Logger returns the logger the scheduler writes to.
func (s *Scheduler) Logger() *log.Logger {
	return s.logger
}

// Snapshot returns the status published at the end of the last loop
// iteration.  It never returns nil.
func (s *Scheduler) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Done is closed once Start has returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Start runs the scheduler until Stop is called, ctx is cancelled, or
// start-up fails.  In daemon mode the PID file is written.  Start always
// releases what it acquired before returning; the error, if any, is the
// failure that caused the shutdown.
func (s *Scheduler) Start(ctx context.Context, daemon bool) (err error) {
	s.mx.Lock()
	if s.state != stateIdle {
		s.mx.Unlock()
		return ErrAlreadyRunning
	}
	s.state = stateRunning
	s.mx.Unlock()
	s.daemon = daemon

	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler failure: %v", r)
			s.shutdown(err)
		}
	}()

	if err = s.startup(); err != nil {
		s.shutdown(err)
		return err
	}
	s.loop(ctx)
	s.shutdown(nil)
	return nil
}

func (s *Scheduler) startup() error {
	now := s.clock()
	s.startTime = now
	s.lastGC = now
	s.active = true

	if s.daemon {
		if pid, e := ReadPidFile(s.cfg); e == nil && processAlive(pid) {
			return fmt.Errorf("%w: pid %d", ErrAlreadyRunning, pid)
		}
	}
	if e := s.hub.Listen(); e != nil {
		return e
	}
	s.listening = true

	if b, ok := s.mpm.(Binder); ok {
		env := Environment{
			Config:      s.cfg,
			SchedulerID: s.id,
			Hub:         s.hub,
			Logger:      s.logger,
		}
		if e := b.Bind(env); e != nil {
			return e
		}
	}

	if s.daemon {
		if e := WritePidFile(s.cfg, os.Getpid()); e != nil {
			return fmt.Errorf("%w: %w", ErrPidFileWrite, e)
		}
		s.pidWritten = true
	}

	logf(s.logger, PriNotice, "Scheduler %d started (%s isolation)",
		s.id, s.mpm.Capabilities().Isolation)
	s.createWorkers(s.cfg.StartProcesses, now)
	s.publish(now)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	var wake <-chan struct{}
	if w, ok := s.mpm.(Waker); ok {
		wake = w.Wake()
	}
	timer := time.NewTimer(s.cfg.LoopInterval)
	defer timer.Stop()

	for s.active {
		begin := time.Now()
		s.iterate(s.clock())
		s.metrics.LoopDuration(time.Since(begin))

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.LoopInterval)
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.hub.Ready():
		case <-wake:
		case <-timer.C:
		}
	}
}

// iterate is one pass of the main loop.
func (s *Scheduler) iterate(now time.Time) {
	s.collectCycles(now)
	s.handleMessages(now)
	s.reap(now)
	s.manageWorkers(now)
	s.publish(now)
}

func (s *Scheduler) collectCycles(now time.Time) {
	if s.cfg.GCInterval > 0 && now.Sub(s.lastGC) >= s.cfg.GCInterval {
		runtime.GC()
		s.lastGC = now
	}
}

func (s *Scheduler) manageWorkers(now time.Time) {
	if !s.active {
		return
	}
	d := s.discipline.Manage(s.cfg, s.workers.Clone(), now)
	s.apply(d, now)
}

// apply carries out a decision.  Ids named for both hard and soft
// termination are only hard terminated, unknown ids are skipped, and a
// create that would overflow the pool is refused as a whole.
func (s *Scheduler) apply(d Decision, now time.Time) {
	hard := make(map[WorkerID]bool, len(d.Terminate))
	for _, id := range d.Terminate {
		if !hard[id] {
			hard[id] = true
			s.terminate(id, false, now)
		}
	}
	soft := make(map[WorkerID]bool, len(d.SoftTerminate))
	for _, id := range d.SoftTerminate {
		if !hard[id] && !soft[id] {
			soft[id] = true
			s.terminate(id, true, now)
		}
	}

	switch {
	case d.Create < 0:
		logf(s.logger, PriWarn, "Ignoring negative create count %d", d.Create)
	case d.Create > s.workers.Available():
		logf(s.logger, PriWarn, "Refusing to create %d workers with room for %d: %v",
			d.Create, s.workers.Available(), ErrCapacityExceeded)
	default:
		s.createWorkers(d.Create, now)
	}
}

func (s *Scheduler) createWorkers(n int, now time.Time) {
	for i := 0; i < n; i++ {
		if s.workers.Available() == 0 {
			logf(s.logger, PriWarn, "Cannot create worker: %v", ErrCapacityExceeded)
			return
		}
		if s.limiter != nil && !s.limiter.AllowN(now, 1) {
			logf(s.logger, PriDebug, "Spawning too quickly, deferring %d workers", n-i)
			return
		}
		id, e := s.mpm.Spawn()
		s.metrics.WorkerSpawned(e)
		if e != nil {
			logf(s.logger, PriErr, "%v: %v", ErrSpawnFailed, e)
			return
		}
		if _, dup := s.workers.Get(id); dup {
			logf(s.logger, PriErr, "MPM reused worker id %d", id)
			continue
		}
		if e := s.workers.Set(id, NewWorkerState(id, s.cfg.ServiceName, now)); e != nil {
			logf(s.logger, PriErr, "Cannot track worker %d: %v", id, e)
			if e := s.mpm.SignalTerminate(id, false); e != nil {
				logf(s.logger, PriWarn, "Terminate of worker %d failed: %v", id, e)
			}
			return
		}
		logf(s.logger, PriDebug, "Worker %d created", id)
	}
}

// terminate signals one worker and marks it terminated.  A hard terminate
// is never issued twice for the same worker.
func (s *Scheduler) terminate(id WorkerID, soft bool, now time.Time) {
	st, ok := s.workers.Get(id)
	if !ok {
		logf(s.logger, PriDebug, "Not terminating unknown worker %d", id)
		return
	}
	if st.Termination == TermHard || (soft && st.Termination == TermSoft) {
		return
	}
	mode := "hard"
	if soft {
		mode = "soft"
	}
	logf(s.logger, PriDebug, "Terminating worker %d (%s)", id, mode)
	if e := s.mpm.SignalTerminate(id, soft); e != nil {
		logf(s.logger, PriWarn, "Failed to signal worker %d: %v", id, e)
	}
	s.metrics.TerminateRequested(soft)

	if soft {
		st.Termination = TermSoft
	} else {
		st.Termination = TermHard
	}
	st.TerminateTime = now
	st.Code = CodeTerminated
	st.Time = now
	s.workers.Set(id, st)
}

func (s *Scheduler) reap(now time.Time) {
	for _, ev := range s.mpm.Poll() {
		if ev.Type == EventTerminated {
			s.workerExited(ev.ID, ev.Err, now)
		}
	}
}

// workerExited evicts a worker whose termination has been observed.
func (s *Scheduler) workerExited(id WorkerID, cause error, now time.Time) {
	st, ok := s.workers.Get(id)
	if !ok {
		return
	}
	premature := st.Termination == TermNone && st.Code != CodeExiting &&
		now.Sub(st.Time) < s.cfg.ProcessIdleTimeout
	switch {
	case premature && cause != nil:
		logf(s.logger, PriErr, "Worker %d exited prematurely: %v: %v", id, ErrPrematureExit, cause)
	case premature:
		logf(s.logger, PriErr, "Worker %d exited prematurely: %v", id, ErrPrematureExit)
	case cause != nil && st.Termination == TermNone:
		logf(s.logger, PriWarn, "Worker %d exited: %v", id, cause)
	default:
		logf(s.logger, PriDebug, "Worker %d exited", id)
	}
	s.metrics.WorkerExited(premature)
	s.workers.Remove(id)
}

func (s *Scheduler) own() WorkerState {
	if st, ok := s.workers.Get(s.id); ok {
		return st
	}
	own := NewWorkerState(s.id, s.cfg.ServiceName, s.startTime)
	own.Code = CodeRunning
	if !s.active {
		own.Code = CodeTerminated
	}
	own.RequestsFinished = s.finished
	return own
}

func (s *Scheduler) buildSnapshot(now time.Time) *Snapshot {
	uptime := time.Duration(0)
	if !s.startTime.IsZero() {
		uptime = now.Sub(s.startTime)
	}
	return &Snapshot{
		UID:    s.id,
		Logger: s.cfg.ServiceName,
		Time:   now,
		Scheduler: SchedulerStatus{
			Own:              s.own(),
			Active:           s.active,
			StartTimestamp:   s.startTime,
			Uptime:           uptime,
			TotalTraffic:     0,
			RequestsFinished: s.finished,
			Isolation:        s.isolation(),
			MaxProcesses:     s.cfg.MaxProcesses,
		},
		Workers: s.workers.All(),
	}
}

func (s *Scheduler) isolation() IsolationLevel {
	if s.mpm == nil {
		return IsolationNone
	}
	return s.mpm.Capabilities().Isolation
}

func (s *Scheduler) publish(now time.Time) {
	snap := s.buildSnapshot(now)
	s.snapshot.Store(snap)
	counts := make(map[WorkerCode]int)
	for _, w := range snap.Workers {
		counts[w.Code]++
	}
	s.metrics.WorkerCounts(counts)
	s.metrics.TasksFinished(s.finished)
}

// Stop asks a running scheduler to shut down.  It does not wait; use Done
// for that.  Stopping a scheduler that is not running, or already
// stopping, fails with ErrSchedulerNotRunning.
func (s *Scheduler) Stop() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != stateRunning || s.stopping {
		return ErrSchedulerNotRunning
	}
	s.stopping = true
	close(s.stopCh)
	return nil
}

// shutdown tears the scheduler down.  It runs at most once, on the
// control goroutine.
func (s *Scheduler) shutdown(cause error) {
	if s.shut {
		return
	}
	s.shut = true
	s.active = false
	now := s.clock()

	if cause != nil {
		logf(s.logger, PriErr, "Scheduler shutting down: %v", cause)
	} else {
		logf(s.logger, PriNotice, "Scheduler stopping")
	}

	for _, id := range s.workers.IDs() {
		s.terminate(id, false, now)
	}
	if s.listening {
		s.handleMessages(now)
	}
	s.reap(now)
	if c, ok := s.mpm.(io.Closer); ok {
		if e := c.Close(); e != nil {
			logf(s.logger, PriWarn, "MPM close: %v", e)
		}
		s.reap(now)
	}
	if s.listening {
		s.hub.Close()
		s.listening = false
	}
	if s.pidWritten {
		if e := RemovePidFile(s.cfg); e != nil {
			logf(s.logger, PriWarn, "Cannot remove PID file: %v", e)
		}
		s.pidWritten = false
	}
	s.publish(now)

	s.mx.Lock()
	s.state = stateStopped
	s.mx.Unlock()
	logf(s.logger, PriNotice, "Scheduler stopped")
}
