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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/spf13/pflag"

	"github.com/gdamore/poolvisor"
)

func writeFile(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "poolvisor.yaml")
	if e := os.WriteFile(path, []byte(body), 0644); e != nil {
		t.Fatal(e)
	}
	return path
}

func TestLoad(t *testing.T) {
	Convey("With nothing given the defaults load", t, func() {
		cfg, e := Load("", nil)
		So(e, ShouldBeNil)
		So(cfg, ShouldResemble, poolvisor.DefaultConfig())
	})

	Convey("A YAML file overrides the defaults", t, func() {
		path := writeFile(t, `
service_name: web
max_processes: 10
start_processes: 3
process_idle_timeout: 30s
busy_cpu_usage: 75.5
`)
		cfg, e := Load(path, nil)
		So(e, ShouldBeNil)
		So(cfg.ServiceName, ShouldEqual, "web")
		So(cfg.MaxProcesses, ShouldEqual, 10)
		So(cfg.StartProcesses, ShouldEqual, 3)
		So(cfg.ProcessIdleTimeout, ShouldEqual, 30*time.Second)
		So(cfg.BusyCPUUsage, ShouldEqual, 75.5)
		So(cfg.LoopInterval, ShouldEqual, poolvisor.DefaultConfig().LoopInterval)

		Convey("The environment overrides the file", func() {
			os.Setenv("POOLVISOR_MAX_PROCESSES", "12")
			defer os.Unsetenv("POOLVISOR_MAX_PROCESSES")
			cfg, e := Load(path, nil)
			So(e, ShouldBeNil)
			So(cfg.MaxProcesses, ShouldEqual, 12)

			Convey("And flags override the environment", func() {
				fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
				BindFlags(fs)
				So(fs.Parse([]string{"--max-processes=20", "--loop-interval=1s"}), ShouldBeNil)
				cfg, e := Load(path, fs)
				So(e, ShouldBeNil)
				So(cfg.MaxProcesses, ShouldEqual, 20)
				So(cfg.LoopInterval, ShouldEqual, time.Second)
				So(cfg.ServiceName, ShouldEqual, "web")
			})
		})
	})

	Convey("Unset flags leave lower layers alone", t, func() {
		path := writeFile(t, "max_processes: 9\n")
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		BindFlags(fs)
		So(fs.Parse(nil), ShouldBeNil)
		cfg, e := Load(path, fs)
		So(e, ShouldBeNil)
		So(cfg.MaxProcesses, ShouldEqual, 9)
	})

	Convey("Invalid settings are rejected", t, func() {
		path := writeFile(t, "max_processes: 2\nstart_processes: 5\n")
		_, e := Load(path, nil)
		So(errors.Is(e, poolvisor.ErrBadConfig), ShouldBeTrue)
	})

	Convey("A missing file is an error", t, func() {
		_, e := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
		So(e, ShouldNotBeNil)
	})

	Convey("An unparsable file is an error", t, func() {
		path := writeFile(t, "max_processes: [\n")
		_, e := Load(path, nil)
		So(errors.Is(e, poolvisor.ErrBadConfig), ShouldBeTrue)
	})
}
