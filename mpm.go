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
	"fmt"
	"log"
	"net"

	"github.com/gdamore/poolvisor/ipc"
)

// IsolationLevel describes how strongly an MPM separates its workers from
// the scheduler.
type IsolationLevel int

const (
	IsolationProcess IsolationLevel = iota
	IsolationThread
	IsolationNone
)

func (l IsolationLevel) String() string {
	switch l {
	case IsolationProcess:
		return "PROCESS"
	case IsolationThread:
		return "THREAD"
	case IsolationNone:
		return "NONE"
	}
	return fmt.Sprintf("ISOLATION(%d)", int(l))
}

func (l IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *IsolationLevel) UnmarshalText(b []byte) error {
	for _, v := range []IsolationLevel{IsolationProcess, IsolationThread, IsolationNone} {
		if v.String() == string(b) {
			*l = v
			return nil
		}
	}
	return fmt.Errorf("bad isolation level %q", b)
}

type Capabilities struct {
	Isolation IsolationLevel `json:"isolation"`
}

// EventType discriminates MPM lifecycle events.
type EventType int

const (
	// EventTerminated reports that a worker's execution unit is gone.
	EventTerminated EventType = iota
)

type Event struct {
	Type EventType
	ID   WorkerID
	Err  error // exit error, if any
}

// MPM is a multi-processing module: the backend that actually creates and
// kills workers.  The scheduler reacts only to what it reports.  Spawn
// returns once the new worker exists; the worker's entry point runs in the
// new execution unit.  Poll must not block.
type MPM interface {
	Spawn() (WorkerID, error)
	SignalTerminate(id WorkerID, soft bool) error
	Capabilities() Capabilities
	Poll() []Event
}

// Waker is implemented by an MPM that can interrupt the scheduler's wait
// when it has events ready.
type Waker interface {
	Wake() <-chan struct{}
}

// Binder is implemented by an MPM that needs the scheduler's resources.
// Bind is called once, after the IPC hub is listening and before the
// first Spawn.
type Binder interface {
	Bind(env Environment) error
}

// Environment is what a scheduler hands to a Binder.
type Environment struct {
	Config      Config
	SchedulerID WorkerID
	Hub         Hub
	Logger      *log.Logger
}

// Hub is the scheduler side of the IPC transport.  *ipc.Server implements
// it.
type Hub interface {
	Listen() error
	Attach(n int, c net.Conn) error
	Channel(n int) ipc.Channel
	Ready() <-chan struct{}
	Close() error
}
