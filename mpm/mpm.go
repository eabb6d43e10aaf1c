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

// Package mpm holds the multi-processing modules a poolvisor.Scheduler can
// run its workers under: separate processes, goroutines, or the scheduler
// process itself.
package mpm

import (
	"errors"
)

const (
	// EnvWorker marks a process started by Process as a worker.
	EnvWorker = "POOLVISOR_WORKER"
	// EnvService carries the service name to a worker process.
	EnvService = "POOLVISOR_SERVICE"
	// EnvIpcDir carries the IPC directory to a worker process.
	EnvIpcDir = "POOLVISOR_IPC_DIR"
)

var (
	ErrNotBound = errors.New("MPM is not bound to a scheduler")
	ErrClosed   = errors.New("MPM is closed")
)
