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
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/mpm"
	"github.com/gdamore/poolvisor/rpc"
)

var (
	daemon     bool
	background bool
	mpmName    string
	httpAddr   string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler in the foreground",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVar(&daemon, "daemon", false, "write a PID file so stop and status can find this scheduler")
	startCmd.Flags().BoolVar(&background, "background", false, "detach from the terminal (implies --daemon)")
	startCmd.Flags().StringVar(&mpmName, "mpm", "process", "worker isolation: process, thread or none")
	startCmd.Flags().StringVar(&httpAddr, "http", "", "serve status and metrics on this address")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "log file when running in the background")
	rootCmd.AddCommand(startCmd)
}

func newMPM(name string) (poolvisor.MPM, error) {
	switch name {
	case "process":
		return mpm.NewProcess(), nil
	case "thread":
		return mpm.NewThread(demoWorker), nil
	case "none":
		return mpm.NewStandalone(demoWorker), nil
	}
	return nil, fmt.Errorf("%w: unknown MPM %q", poolvisor.ErrBadConfig, name)
}

// fitPool adjusts the pool limits to what the MPM can run.  A standalone
// scheduler is its own and only worker.
func fitPool(m poolvisor.MPM, cfg poolvisor.Config) poolvisor.Config {
	if _, ok := m.(*mpm.Standalone); ok {
		cfg.MaxProcesses = 1
		cfg.StartProcesses = 1
		cfg.MinProcesses = 1
		cfg.MinSpareProcesses = 0
		cfg.MaxSpareProcesses = 0
	}
	return cfg
}

// relaunch starts this command again, detached, without --background.
func relaunch(cfg poolvisor.Config) error {
	if logFile == "" {
		logFile = filepath.Join(cfg.IpcDirectory, cfg.ServiceName+".log")
	}
	if e := os.MkdirAll(filepath.Dir(logFile), 0755); e != nil {
		return e
	}
	out, e := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if e != nil {
		return e
	}
	defer out.Close()

	args := []string{"--daemon"}
	for _, a := range os.Args[1:] {
		if a != "--background" && a != "--background=true" {
			args = append(args, a)
		}
	}
	self, e := os.Executable()
	if e != nil {
		return e
	}
	cmd := exec.Command(self, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	if e := detach(cmd); e != nil {
		return e
	}
	if e := cmd.Start(); e != nil {
		return e
	}
	fmt.Printf("Scheduler started in the background, pid %d, logging to %s\n",
		cmd.Process.Pid, logFile)
	return cmd.Process.Release()
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, e := loadConfig(cmd)
	if e != nil {
		return e
	}
	if background {
		return relaunch(cfg)
	}

	m, e := newMPM(mpmName)
	if e != nil {
		return e
	}
	cfg = fitPool(m, cfg)

	metrics := poolvisor.NewPrometheusMetricsCollector("")
	sched, e := poolvisor.NewScheduler(cfg,
		poolvisor.WithMPM(m),
		poolvisor.WithMetrics(metrics),
		poolvisor.WithLogger(log.New(os.Stderr, "", log.LstdFlags)))
	if e != nil {
		return e
	}

	var srv *http.Server
	if httpAddr != "" {
		srv = &http.Server{
			Addr:    httpAddr,
			Handler: rpc.NewHandler(sched, rpc.WithGatherer(metrics.Registry())),
		}
		go func() {
			if e := srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
				sched.Logger().Printf("HTTP server failed: %v", e)
			}
		}()
	}

	// Set up a handler, so that we shutdown cleanly if possible.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)
	go func() {
		select {
		case sig := <-sigs:
			sched.Logger().Printf("Received %v", sig)
			sched.Stop()
		case <-sched.Done():
		}
	}()

	err := sched.Start(context.Background(), daemon)
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(ctx)
		cancel()
	}
	return err
}
