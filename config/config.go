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

// Package config loads a poolvisor.Config from a YAML file, POOLVISOR_*
// environment variables and command line flags, in increasing order of
// precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gdamore/poolvisor"
)

const EnvPrefix = "POOLVISOR"

// flag name -> config key
var flagKeys = map[string]string{
	"service":         "service_name",
	"ipc-dir":         "ipc_directory",
	"max-processes":   "max_processes",
	"start-processes": "start_processes",
	"min-processes":   "min_processes",
	"min-spare":       "min_spare_processes",
	"max-spare":       "max_spare_processes",
	"idle-timeout":    "process_idle_timeout",
	"grace-period":    "terminate_grace_period",
	"busy-rps":        "busy_requests_per_second",
	"busy-cpu":        "busy_cpu_usage",
	"loop-interval":   "loop_interval",
	"spawn-rate":      "spawn_rate",
	"gc-interval":     "gc_interval",
}

// BindFlags registers one flag per setting on fs, defaulted from
// poolvisor.DefaultConfig.
func BindFlags(fs *pflag.FlagSet) {
	d := poolvisor.DefaultConfig()
	fs.String("service", d.ServiceName, "service name")
	fs.String("ipc-dir", d.IpcDirectory, "directory for IPC sockets and the PID file")
	fs.Int("max-processes", d.MaxProcesses, "maximum number of workers")
	fs.Int("start-processes", d.StartProcesses, "workers created at startup")
	fs.Int("min-processes", d.MinProcesses, "pool floor (0 uses start-processes)")
	fs.Int("min-spare", d.MinSpareProcesses, "minimum idle workers")
	fs.Int("max-spare", d.MaxSpareProcesses, "maximum idle workers")
	fs.Duration("idle-timeout", d.ProcessIdleTimeout, "idle time before a spare worker may be retired")
	fs.Duration("grace-period", d.TerminateGracePeriod, "time a soft terminate is given before a hard one")
	fs.Float64("busy-rps", d.BusyRequestsPerSecond, "requests per second above which a worker counts as busy")
	fs.Float64("busy-cpu", d.BusyCPUUsage, "CPU percentage above which a worker counts as busy")
	fs.Duration("loop-interval", d.LoopInterval, "scheduler loop period")
	fs.Float64("spawn-rate", d.SpawnRate, "maximum spawns per second (0 is unlimited)")
	fs.Duration("gc-interval", d.GCInterval, "minimum time between forced garbage collections")
}

func newViper() *viper.Viper {
	v := viper.New()
	d := poolvisor.DefaultConfig()
	v.SetDefault("service_name", d.ServiceName)
	v.SetDefault("ipc_directory", d.IpcDirectory)
	v.SetDefault("max_processes", d.MaxProcesses)
	v.SetDefault("start_processes", d.StartProcesses)
	v.SetDefault("min_processes", d.MinProcesses)
	v.SetDefault("min_spare_processes", d.MinSpareProcesses)
	v.SetDefault("max_spare_processes", d.MaxSpareProcesses)
	v.SetDefault("process_idle_timeout", d.ProcessIdleTimeout)
	v.SetDefault("terminate_grace_period", d.TerminateGracePeriod)
	v.SetDefault("busy_requests_per_second", d.BusyRequestsPerSecond)
	v.SetDefault("busy_cpu_usage", d.BusyCPUUsage)
	v.SetDefault("loop_interval", d.LoopInterval)
	v.SetDefault("spawn_rate", d.SpawnRate)
	v.SetDefault("gc_interval", d.GCInterval)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if not empty) and layers the environment and any flags
// from fs (if not nil) that were set explicitly.  The result is validated.
func Load(path string, fs *pflag.FlagSet) (poolvisor.Config, error) {
	var cfg poolvisor.Config
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if e := v.ReadInConfig(); e != nil {
			return cfg, fmt.Errorf("%w: %w", poolvisor.ErrBadConfig, e)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if e := v.BindPFlag(key, f); e != nil {
					return cfg, e
				}
			}
		}
	}
	if e := v.Unmarshal(&cfg); e != nil {
		return cfg, fmt.Errorf("%w: %w", poolvisor.ErrBadConfig, e)
	}
	if e := cfg.Validate(); e != nil {
		return cfg, e
	}
	return cfg, nil
}
