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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PidFilePath is where a daemonized scheduler records its process id.
func PidFilePath(cfg Config) string {
	return filepath.Join(cfg.IpcDirectory, cfg.ServiceName+".pid")
}

// WritePidFile records pid.  The file is replaced atomically, so a reader
// never sees a partial id.
func WritePidFile(cfg Config, pid int) error {
	if e := os.MkdirAll(cfg.IpcDirectory, 0755); e != nil {
		return e
	}
	path := PidFilePath(cfg)
	tmp := fmt.Sprintf("%s.%d.tmp", path, pid)
	if e := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0644); e != nil {
		return e
	}
	if e := os.Rename(tmp, path); e != nil {
		os.Remove(tmp)
		return e
	}
	return nil
}

// ReadPidFile returns the recorded scheduler pid.  A missing or malformed
// file means no scheduler is running.
func ReadPidFile(cfg Config) (int, error) {
	path := PidFilePath(cfg)
	b, e := os.ReadFile(path)
	if e != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSchedulerNotRunning, path, e)
	}
	pid, e := strconv.Atoi(strings.TrimSpace(string(b)))
	if e != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s: bad pid %q", ErrSchedulerNotRunning, path, b)
	}
	return pid, nil
}

func RemovePidFile(cfg Config) error {
	e := os.Remove(PidFilePath(cfg))
	if errors.Is(e, os.ErrNotExist) {
		return nil
	}
	return e
}

func processAlive(pid int) bool {
	proc, e := os.FindProcess(pid)
	if e != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// StopService asks the daemonized scheduler for cfg to stop, by sending it
// SIGTERM, and removes its PID file.  It does not wait for the scheduler
// to exit.  If no scheduler is running, ErrSchedulerNotRunning is
// returned.
func StopService(cfg Config) error {
	pid, e := ReadPidFile(cfg)
	if e != nil {
		return e
	}
	proc, e := os.FindProcess(pid)
	if e == nil {
		e = proc.Signal(syscall.SIGTERM)
	}
	if e != nil {
		RemovePidFile(cfg)
		if errors.Is(e, os.ErrProcessDone) || errors.Is(e, syscall.ESRCH) {
			return fmt.Errorf("%w: stale pid %d", ErrSchedulerNotRunning, pid)
		}
		return fmt.Errorf("cannot signal scheduler %d: %w", pid, e)
	}
	return RemovePidFile(cfg)
}
