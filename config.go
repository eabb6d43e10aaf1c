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
	"os"
	"path/filepath"
	"time"
)

// Config holds the scaling parameters of one scheduler.  The scheduler
// copies it on construction and never changes its copy.
type Config struct {
	ServiceName           string        `mapstructure:"service_name" json:"service_name" yaml:"service_name"`
	IpcDirectory          string        `mapstructure:"ipc_directory" json:"ipc_directory" yaml:"ipc_directory"`
	MaxProcesses          int           `mapstructure:"max_processes" json:"max_processes" yaml:"max_processes"`
	StartProcesses        int           `mapstructure:"start_processes" json:"start_processes" yaml:"start_processes"`
	MinProcesses          int           `mapstructure:"min_processes" json:"min_processes" yaml:"min_processes"`
	MinSpareProcesses     int           `mapstructure:"min_spare_processes" json:"min_spare_processes" yaml:"min_spare_processes"`
	MaxSpareProcesses     int           `mapstructure:"max_spare_processes" json:"max_spare_processes" yaml:"max_spare_processes"`
	ProcessIdleTimeout    time.Duration `mapstructure:"process_idle_timeout" json:"process_idle_timeout" yaml:"process_idle_timeout"`
	TerminateGracePeriod  time.Duration `mapstructure:"terminate_grace_period" json:"terminate_grace_period" yaml:"terminate_grace_period"`
	BusyRequestsPerSecond float64       `mapstructure:"busy_requests_per_second" json:"busy_requests_per_second" yaml:"busy_requests_per_second"`
	BusyCPUUsage          float64       `mapstructure:"busy_cpu_usage" json:"busy_cpu_usage" yaml:"busy_cpu_usage"`
	LoopInterval          time.Duration `mapstructure:"loop_interval" json:"loop_interval" yaml:"loop_interval"`
	SpawnRate             float64       `mapstructure:"spawn_rate" json:"spawn_rate" yaml:"spawn_rate"`
	GCInterval            time.Duration `mapstructure:"gc_interval" json:"gc_interval" yaml:"gc_interval"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName:          "poolvisor",
		IpcDirectory:         filepath.Join(os.TempDir(), "poolvisor"),
		MaxProcesses:         32,
		StartProcesses:       4,
		MinSpareProcesses:    2,
		MaxSpareProcesses:    8,
		ProcessIdleTimeout:   10 * time.Second,
		TerminateGracePeriod: 10 * time.Second,
		LoopInterval:         100 * time.Millisecond,
		GCInterval:           time.Minute,
	}
}

// MinWorkers is the effective pool floor.
func (c Config) MinWorkers() int {
	if c.MinProcesses > 0 {
		return c.MinProcesses
	}
	return c.StartProcesses
}

func (c Config) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrBadConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.ServiceName == "":
		return bad("service name required")
	case filepath.Base(c.ServiceName) != c.ServiceName:
		return bad("service name %q must not contain a path", c.ServiceName)
	case c.IpcDirectory == "":
		return bad("IPC directory required")
	case c.MaxProcesses < 1:
		return bad("max processes must be positive")
	case c.StartProcesses < 0 || c.StartProcesses > c.MaxProcesses:
		return bad("start processes must be between 0 and %d", c.MaxProcesses)
	case c.MinProcesses < 0 || c.MinProcesses > c.MaxProcesses:
		return bad("min processes must be between 0 and %d", c.MaxProcesses)
	case c.MinSpareProcesses < 0 || c.MaxSpareProcesses < 0:
		return bad("spare process counts must not be negative")
	case c.MaxSpareProcesses != 0 && c.MaxSpareProcesses < c.MinSpareProcesses:
		return bad("max spare processes below min spare processes")
	case c.ProcessIdleTimeout < 0 || c.TerminateGracePeriod < 0:
		return bad("timeouts must not be negative")
	case c.LoopInterval <= 0:
		return bad("loop interval must be positive")
	case c.SpawnRate < 0:
		return bad("spawn rate must not be negative")
	case c.BusyRequestsPerSecond < 0 || c.BusyCPUUsage < 0:
		return bad("busy thresholds must not be negative")
	}
	return nil
}
