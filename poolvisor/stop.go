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

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/ipc"
)

var (
	wait    bool
	timeout time.Duration
)

var ErrStopTimeout = errors.New("Scheduler did not stop in time")

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the scheduler to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, e := loadConfig(cmd)
		if e != nil {
			return e
		}
		if !wait {
			return poolvisor.StopService(cfg)
		}
		return stopAndWait(cfg, timeout)
	},
}

func init() {
	stopCmd.Flags().BoolVar(&wait, "wait", false, "wait for the scheduler to shut down")
	stopCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait")
	rootCmd.AddCommand(stopCmd)
}

// stopAndWait signals the scheduler and waits for its general socket to
// go away, which happens only once its workers are gone.
func stopAndWait(cfg poolvisor.Config, timeout time.Duration) error {
	sock := ipc.SocketPath(cfg.IpcDirectory, cfg.ServiceName, ipc.ChannelGeneral)

	w, e := fsnotify.NewWatcher()
	if e != nil {
		return e
	}
	defer w.Close()
	if e := w.Add(filepath.Dir(sock)); e != nil {
		return e
	}

	if e := poolvisor.StopService(cfg); e != nil {
		return e
	}
	if _, e := os.Stat(sock); errors.Is(e, os.ErrNotExist) {
		return nil
	}

	expire := time.After(timeout)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return ErrStopTimeout
			}
			if filepath.Clean(ev.Name) == sock && ev.Has(fsnotify.Remove) {
				return nil
			}
		case e := <-w.Errors:
			return fmt.Errorf("watching %s: %w", sock, e)
		case <-expire:
			return fmt.Errorf("%w: %s still present", ErrStopTimeout, sock)
		}
	}
}
