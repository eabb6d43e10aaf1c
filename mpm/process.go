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
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/poolvisor"
)

// CloseTimeout bounds how long Close waits for worker processes to exit.
const CloseTimeout = 10 * time.Second

// Process runs each worker as a child process.  By default the child is a
// fresh copy of the running executable, which is expected to call RunChild
// when IsChild reports true.  Soft termination is SIGTERM; hard
// termination is SIGKILL.
type Process struct {
	path   string
	args   []string
	env    []string
	cfg    poolvisor.Config
	bound  bool
	logger *log.Logger
	procs  map[poolvisor.WorkerID]*exec.Cmd
	events []poolvisor.Event
	wake   chan struct{}
	closed bool

	lock   sync.Mutex
	waiter sync.WaitGroup
}

type ProcessOption func(*Process)

// WithCommand runs path with args instead of re-executing ourselves.
func WithCommand(path string, args ...string) ProcessOption {
	return func(p *Process) {
		p.path = path
		p.args = args
	}
}

// WithEnv adds environment variables, in "key=value" form, for workers.
func WithEnv(env ...string) ProcessOption {
	return func(p *Process) {
		p.env = append(p.env, env...)
	}
}

func WithProcessLogger(l *log.Logger) ProcessOption {
	return func(p *Process) {
		p.logger = l
	}
}

func NewProcess(opts ...ProcessOption) *Process {
	p := &Process{
		procs: make(map[poolvisor.WorkerID]*exec.Cmd),
		wake:  make(chan struct{}, 1),
	}
	if len(os.Args) > 1 {
		p.args = append(p.args, os.Args[1:]...)
	}
	if exe, e := os.Executable(); e == nil {
		p.path = exe
	} else {
		p.path = os.Args[0]
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Process) Bind(env poolvisor.Environment) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.cfg = env.Config
	if p.logger == nil {
		p.logger = env.Logger
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard, "", 0)
	}
	p.bound = true
	return nil
}

func (p *Process) doLog(r io.Reader, prefix string) {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			p.logger.Print(prefix, strings.Trim(line, "\n"))
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) Spawn() (poolvisor.WorkerID, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if !p.bound {
		return 0, ErrNotBound
	}

	cmd := exec.Command(p.path, p.args...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Env = append(cmd.Env,
		EnvWorker+"=1",
		EnvService+"="+p.cfg.ServiceName,
		EnvIpcDir+"="+p.cfg.IpcDirectory)

	stdout, e := cmd.StdoutPipe()
	if e != nil {
		return 0, e
	}
	stderr, e := cmd.StderrPipe()
	if e != nil {
		return 0, e
	}
	if e := cmd.Start(); e != nil {
		return 0, e
	}
	id := poolvisor.WorkerID(cmd.Process.Pid)
	p.procs[id] = cmd

	var logs sync.WaitGroup
	logs.Add(2)
	go func() {
		p.doLog(stdout, fmt.Sprintf("worker %d stdout> ", id))
		logs.Done()
	}()
	go func() {
		p.doLog(stderr, fmt.Sprintf("worker %d stderr> ", id))
		logs.Done()
	}()

	p.waiter.Add(1)
	go p.doWait(id, cmd, &logs)
	return id, nil
}

// doWait reaps one child.  Output must be fully read before Wait.
func (p *Process) doWait(id poolvisor.WorkerID, cmd *exec.Cmd, logs *sync.WaitGroup) {
	logs.Wait()
	e := cmd.Wait()

	p.lock.Lock()
	delete(p.procs, id)
	p.events = append(p.events, poolvisor.Event{
		Type: poolvisor.EventTerminated,
		ID:   id,
		Err:  e,
	})
	p.lock.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	p.waiter.Done()
}

func (p *Process) SignalTerminate(id poolvisor.WorkerID, soft bool) error {
	p.lock.Lock()
	cmd, ok := p.procs[id]
	p.lock.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", poolvisor.ErrUnknownWorker, id)
	}
	if soft {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return cmd.Process.Kill()
}

func (p *Process) Capabilities() poolvisor.Capabilities {
	return poolvisor.Capabilities{Isolation: poolvisor.IsolationProcess}
}

// Poll returns the exits observed since the last call.
func (p *Process) Poll() []poolvisor.Event {
	p.lock.Lock()
	defer p.lock.Unlock()
	ev := p.events
	p.events = nil
	return ev
}

func (p *Process) Wake() <-chan struct{} {
	return p.wake
}

// Count returns the number of children not yet reaped.
func (p *Process) Count() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.procs)
}

// Close kills any remaining children and waits for them to be reaped.
func (p *Process) Close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return ErrClosed
	}
	p.closed = true
	for id, cmd := range p.procs {
		if e := cmd.Process.Kill(); e != nil {
			p.logger.Printf("Failed killing worker %d: %v", id, e)
		}
	}
	p.lock.Unlock()

	done := make(chan struct{})
	go func() {
		p.waiter.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(CloseTimeout):
		return fmt.Errorf("timed out waiting for %d workers", p.Count())
	}
}
