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
	"math/rand"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func disciplineConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxProcesses = 10
	cfg.StartProcesses = 2
	cfg.MinSpareProcesses = 1
	cfg.MaxSpareProcesses = 3
	cfg.ProcessIdleTimeout = 10 * time.Second
	cfg.TerminateGracePeriod = 5 * time.Second
	return cfg
}

func pool(now time.Time, max int, codes ...WorkerCode) *WorkerCollection {
	c := NewWorkerCollection(max)
	for i, code := range codes {
		id := WorkerID(i + 1)
		st := NewWorkerState(id, "svc", now)
		st.Code = code
		c.Set(id, st)
	}
	return c
}

func TestDynamicDiscipline(t *testing.T) {
	d := DynamicDiscipline{}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	Convey("An empty pool is filled to the floor", t, func() {
		cfg := disciplineConfig()
		dec := d.Manage(cfg, NewWorkerCollection(cfg.MaxProcesses), now)
		So(dec.Create, ShouldEqual, 2)
		So(dec.Terminate, ShouldBeEmpty)
		So(dec.SoftTerminate, ShouldBeEmpty)
	})

	Convey("A busy pool grows to keep a spare", t, func() {
		cfg := disciplineConfig()
		w := pool(now, cfg.MaxProcesses, CodeRunning, CodeRunning)
		So(d.Manage(cfg, w, now).Create, ShouldEqual, 1)
	})

	Convey("Thresholds count idle workers as busy", t, func() {
		cfg := disciplineConfig()
		cfg.BusyCPUUsage = 80
		w := pool(now, cfg.MaxProcesses, CodeWaiting, CodeWaiting)
		for _, id := range w.IDs() {
			st, _ := w.Get(id)
			st.CPUUsage = 95
			w.Set(id, st)
		}
		So(d.Manage(cfg, w, now).Create, ShouldEqual, 1)
	})

	Convey("Growth stops at the pool limit", t, func() {
		cfg := disciplineConfig()
		cfg.MaxProcesses = 3
		cfg.MinSpareProcesses = 5
		w := pool(now, cfg.MaxProcesses, CodeRunning, CodeRunning)
		So(d.Manage(cfg, w, now).Create, ShouldEqual, 1)
		w = pool(now, cfg.MaxProcesses, CodeRunning, CodeRunning, CodeRunning)
		So(d.Manage(cfg, w, now).Create, ShouldEqual, 0)
	})

	Convey("Surplus idle workers are drained once idle long enough", t, func() {
		cfg := disciplineConfig()
		w := pool(now, cfg.MaxProcesses,
			CodeWaiting, CodeWaiting, CodeWaiting, CodeWaiting, CodeWaiting, CodeWaiting)

		So(d.Manage(cfg, w, now.Add(time.Second)).SoftTerminate, ShouldBeEmpty)

		// make worker 4 the longest idle
		st, _ := w.Get(4)
		st.Time = now.Add(-time.Minute)
		w.Set(4, st)

		dec := d.Manage(cfg, w, now.Add(20*time.Second))
		So(dec.Create, ShouldEqual, 0)
		So(len(dec.SoftTerminate), ShouldEqual, 3)
		So(dec.SoftTerminate[0], ShouldEqual, 4)
		So(dec.Terminate, ShouldBeEmpty)
	})

	Convey("Draining never goes below the floor", t, func() {
		cfg := disciplineConfig()
		cfg.MinProcesses = 5
		w := pool(now, cfg.MaxProcesses,
			CodeWaiting, CodeWaiting, CodeWaiting, CodeWaiting, CodeWaiting, CodeWaiting)
		dec := d.Manage(cfg, w, now.Add(time.Minute))
		So(len(dec.SoftTerminate), ShouldEqual, 1)
	})

	Convey("Workers ignoring a soft terminate are killed after the grace period", t, func() {
		cfg := disciplineConfig()
		w := pool(now, cfg.MaxProcesses, CodeWaiting, CodeWaiting, CodeWaiting)
		st, _ := w.Get(2)
		st.Termination = TermSoft
		st.TerminateTime = now
		st.Code = CodeTerminated
		w.Set(2, st)

		So(d.Manage(cfg, w, now.Add(time.Second)).Terminate, ShouldBeEmpty)
		dec := d.Manage(cfg, w, now.Add(cfg.TerminateGracePeriod))
		So(dec.Terminate, ShouldResemble, []WorkerID{2})
		So(dec.SoftTerminate, ShouldNotContain, WorkerID(2))

		Convey("but only once", func() {
			st.Termination = TermHard
			w.Set(2, st)
			So(d.Manage(cfg, w, now.Add(time.Hour)).Terminate, ShouldBeEmpty)
		})
	})

	Convey("Decisions never overflow the pool or overlap", t, func() {
		cfg := disciplineConfig()
		rng := rand.New(rand.NewSource(1))
		codes := []WorkerCode{CodeWaiting, CodeRunning, CodeExiting, CodeTerminated}
		for i := 0; i < 500; i++ {
			w := NewWorkerCollection(cfg.MaxProcesses)
			n := rng.Intn(cfg.MaxProcesses + 1)
			for j := 0; j < n; j++ {
				id := WorkerID(j + 1)
				st := NewWorkerState(id, "svc", now.Add(-time.Duration(rng.Intn(60))*time.Second))
				st.Code = codes[rng.Intn(len(codes))]
				st.Termination = Termination(rng.Intn(3))
				st.TerminateTime = st.Time
				st.RequestsPerSecond = rng.Float64() * 10
				w.Set(id, st)
			}
			dec := d.Manage(cfg, w, now)
			So(dec.Create, ShouldBeGreaterThanOrEqualTo, 0)
			So(w.Count()+dec.Create, ShouldBeLessThanOrEqualTo, cfg.MaxProcesses)
			hard := map[WorkerID]bool{}
			for _, id := range dec.Terminate {
				hard[id] = true
			}
			for _, id := range dec.SoftTerminate {
				So(hard[id], ShouldBeFalse)
			}
		}
	})
}
