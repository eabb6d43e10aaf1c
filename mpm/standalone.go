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
	"github.com/gdamore/poolvisor"
)

// Standalone runs a single worker inside the scheduler, under the
// scheduler's own id.  It is meant for development and for hosts where
// neither processes nor extra goroutines are wanted; the pool size must
// be one.
type Standalone struct {
	t  *Thread
	id poolvisor.WorkerID
}

func NewStandalone(main poolvisor.WorkerMain, opts ...poolvisor.WorkerOption) *Standalone {
	return &Standalone{t: NewThread(main, opts...)}
}

func (s *Standalone) Bind(env poolvisor.Environment) error {
	s.id = env.SchedulerID
	return s.t.Bind(env)
}

func (s *Standalone) Spawn() (poolvisor.WorkerID, error) {
	if s.t.Count() != 0 {
		return 0, poolvisor.ErrCapacityExceeded
	}
	if e := s.t.spawnAs(s.id); e != nil {
		return 0, e
	}
	return s.id, nil
}

func (s *Standalone) SignalTerminate(id poolvisor.WorkerID, soft bool) error {
	return s.t.SignalTerminate(id, soft)
}

func (s *Standalone) Capabilities() poolvisor.Capabilities {
	return poolvisor.Capabilities{Isolation: poolvisor.IsolationNone}
}

func (s *Standalone) Poll() []poolvisor.Event {
	return s.t.Poll()
}

func (s *Standalone) Wake() <-chan struct{} {
	return s.t.Wake()
}

func (s *Standalone) Close() error {
	return s.t.Close()
}
