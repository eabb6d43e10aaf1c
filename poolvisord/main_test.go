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
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/mpm"
)

func TestNewMPM(t *testing.T) {
	Convey("MPM names select a backend", t, func() {
		m, e := newMPM("process")
		So(e, ShouldBeNil)
		_, ok := m.(*mpm.Process)
		So(ok, ShouldBeTrue)

		m, e = newMPM("thread")
		So(e, ShouldBeNil)
		_, ok = m.(*mpm.Thread)
		So(ok, ShouldBeTrue)

		m, e = newMPM("none")
		So(e, ShouldBeNil)
		_, ok = m.(*mpm.Standalone)
		So(ok, ShouldBeTrue)
	})

	Convey("An unknown name is a configuration error", t, func() {
		m, e := newMPM("fork")
		So(m, ShouldBeNil)
		So(errors.Is(e, poolvisor.ErrBadConfig), ShouldBeTrue)
	})
}

func TestFitPool(t *testing.T) {
	cfg := poolvisor.DefaultConfig()
	cfg.MaxProcesses = 20
	cfg.StartProcesses = 5
	cfg.MinProcesses = 2
	cfg.MinSpareProcesses = 1
	cfg.MaxSpareProcesses = 4

	Convey("A standalone scheduler runs exactly one worker", t, func() {
		got := fitPool(mpm.NewStandalone(demoWorker), cfg)
		So(got.MaxProcesses, ShouldEqual, 1)
		So(got.StartProcesses, ShouldEqual, 1)
		So(got.MinProcesses, ShouldEqual, 1)
		So(got.MinSpareProcesses, ShouldEqual, 0)
		So(got.MaxSpareProcesses, ShouldEqual, 0)
		So(got.Validate(), ShouldBeNil)
		So(got.ServiceName, ShouldEqual, cfg.ServiceName)
	})

	Convey("Other backends keep the configured limits", t, func() {
		So(fitPool(mpm.NewThread(demoWorker), cfg), ShouldResemble, cfg)
		So(fitPool(mpm.NewProcess(), cfg), ShouldResemble, cfg)
	})
}

func TestCommands(t *testing.T) {
	Convey("Stop and status without a scheduler", t, func() {
		dir := t.TempDir()
		for _, args := range [][]string{
			{"stop", "--ipc-dir", dir, "--service", "nobody"},
			{"status", "--ipc-dir", dir, "--service", "nobody", "--attempts", "1"},
		} {
			rootCmd.SetArgs(args)
			e := rootCmd.Execute()
			So(errors.Is(e, poolvisor.ErrSchedulerNotRunning), ShouldBeTrue)
		}
	})

	Convey("A bad MPM name stops start before anything runs", t, func() {
		rootCmd.SetArgs([]string{"start", "--ipc-dir", t.TempDir(), "--mpm", "fork"})
		e := rootCmd.Execute()
		So(errors.Is(e, poolvisor.ErrBadConfig), ShouldBeTrue)
	})
}
