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
	"os"
	"os/signal"
	"syscall"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/ipc"
)

// IsChild reports whether this process was started as a worker by a
// Process MPM.
func IsChild() bool {
	return os.Getenv(EnvWorker) != ""
}

// RunChild is the worker process side of the Process MPM.  It connects to
// the scheduler, turns SIGTERM into a soft stop, and runs main.  Interrupts
// are left to the scheduler; a worker only stops when told to, or when the
// scheduler goes away.
func RunChild(main poolvisor.WorkerMain) error {
	svc := os.Getenv(EnvService)
	dir := os.Getenv(EnvIpcDir)
	if svc == "" || dir == "" {
		return fmt.Errorf("%w: worker environment incomplete", poolvisor.ErrBadConfig)
	}
	pid := os.Getpid()

	cl, e := ipc.Dial(dir, svc, ipc.ChannelGeneral, int64(pid))
	if e != nil {
		return e
	}
	defer cl.Close()

	var opts []poolvisor.WorkerOption
	if sampler, e := poolvisor.NewCPUSampler(pid); e == nil {
		opts = append(opts, poolvisor.WithCPUSampler(sampler))
	}
	w := poolvisor.NewWorker(poolvisor.WorkerID(pid), svc, cl, opts...)

	signal.Ignore(os.Interrupt)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			w.SoftStop()
		case <-cl.Done():
			w.SoftStop()
		case <-w.Context().Done():
		}
	}()

	return w.Run(main)
}
