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

package mpm

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/ipc"
)

// FirstThreadID is the id given to the first goroutine worker, chosen to
// stay clear of process ids.
const FirstThreadID poolvisor.WorkerID = 1 << 20

// Thread runs each worker as a goroutine in the scheduler process.  Each
// worker talks to the scheduler over an in-memory pipe, exactly as a
// process worker would over its socket.
//
// A goroutine cannot be killed, so a hard terminate cancels the worker and
// cuts its IPC connection; the exit is reported when main returns.
type Thread struct {
	main    poolvisor.WorkerMain
	opts    []poolvisor.WorkerOption
	hub     poolvisor.Hub
	cfg     poolvisor.Config
	logger  *log.Logger
	next    poolvisor.WorkerID
	workers map[poolvisor.WorkerID]*threadWorker
	events  []poolvisor.Event
	wake    chan struct{}
	closed  bool

	lock   sync.Mutex
	waiter sync.WaitGroup
}

type threadWorker struct {
	w  *poolvisor.Worker
	cl *ipc.Client
}

// NewThread creates a goroutine MPM running main for every worker.  The
// options apply to each worker's runtime.
func NewThread(main poolvisor.WorkerMain, opts ...poolvisor.WorkerOption) *Thread {
	return &Thread{
		main:    main,
		opts:    opts,
		next:    FirstThreadID,
		workers: make(map[poolvisor.WorkerID]*threadWorker),
		wake:    make(chan struct{}, 1),
	}
}

func (t *Thread) Bind(env poolvisor.Environment) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.hub = env.Hub
	t.cfg = env.Config
	t.logger = env.Logger
	if t.logger == nil {
		t.logger = log.New(io.Discard, "", 0)
	}
	return nil
}

func (t *Thread) Spawn() (poolvisor.WorkerID, error) {
	t.lock.Lock()
	id := t.next
	t.lock.Unlock()
	if e := t.spawnAs(id); e != nil {
		return 0, e
	}
	t.lock.Lock()
	t.next++
	t.lock.Unlock()
	return id, nil
}

func (t *Thread) spawnAs(id poolvisor.WorkerID) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.hub == nil {
		return ErrNotBound
	}
	if _, ok := t.workers[id]; ok {
		return fmt.Errorf("worker %d already running", id)
	}

	ours, theirs := net.Pipe()
	if e := t.hub.Attach(ipc.ChannelGeneral, ours); e != nil {
		ours.Close()
		theirs.Close()
		return e
	}
	cl, e := ipc.NewClient(theirs, int64(id))
	if e != nil {
		ours.Close()
		theirs.Close()
		return e
	}
	tw := &threadWorker{
		w:  poolvisor.NewWorker(id, t.cfg.ServiceName, cl, t.opts...),
		cl: cl,
	}
	t.workers[id] = tw
	t.waiter.Add(1)
	go func() {
		select {
		case <-cl.Done():
			tw.w.SoftStop()
		case <-tw.w.Context().Done():
		}
	}()
	go t.run(id, tw)
	return nil
}

func (t *Thread) run(id poolvisor.WorkerID, tw *threadWorker) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return tw.w.Run(t.main)
	}()
	tw.cl.Close()

	t.lock.Lock()
	delete(t.workers, id)
	t.events = append(t.events, poolvisor.Event{
		Type: poolvisor.EventTerminated,
		ID:   id,
		Err:  err,
	})
	t.lock.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	t.waiter.Done()
}

func (t *Thread) SignalTerminate(id poolvisor.WorkerID, soft bool) error {
	t.lock.Lock()
	tw, ok := t.workers[id]
	t.lock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", poolvisor.ErrUnknownWorker, id)
	}
	tw.w.SoftStop()
	if !soft {
		tw.cl.Close()
	}
	return nil
}

func (t *Thread) Capabilities() poolvisor.Capabilities {
	return poolvisor.Capabilities{Isolation: poolvisor.IsolationThread}
}

func (t *Thread) Poll() []poolvisor.Event {
	t.lock.Lock()
	defer t.lock.Unlock()
	ev := t.events
	t.events = nil
	return ev
}

func (t *Thread) Wake() <-chan struct{} {
	return t.wake
}

// Count returns the number of worker goroutines still running.
func (t *Thread) Count() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.workers)
}

// Close stops every worker and waits for them to return.
func (t *Thread) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return ErrClosed
	}
	t.closed = true
	for _, tw := range t.workers {
		tw.w.SoftStop()
	}
	t.lock.Unlock()

	done := make(chan struct{})
	go func() {
		t.waiter.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(CloseTimeout):
		return fmt.Errorf("timed out waiting for %d workers", t.Count())
	}
}
