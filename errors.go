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
	"errors"

	"github.com/gdamore/poolvisor/ipc"
)

var (
	ErrCapacityExceeded    = errors.New("Worker capacity exceeded")
	ErrSchedulerNotRunning = errors.New("Scheduler is not running")
	ErrPidFileWrite        = errors.New("Cannot write PID file")
	ErrIpcUnavailable      = ipc.ErrUnavailable
	ErrPrematureExit       = errors.New("Worker exited prematurely")
	ErrNoResponse          = errors.New("No response from scheduler")
	ErrBadConfig           = errors.New("Bad configuration")
	ErrUnknownWorker       = errors.New("No such worker")
	ErrSpawnFailed         = errors.New("Failed to spawn worker")
	ErrBadWorkerCode       = errors.New("Bad worker status code")
	ErrAlreadyRunning      = errors.New("Scheduler is already running")
	ErrForeignStatus       = errors.New("Status sent for another worker")
)
