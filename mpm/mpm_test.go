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

package mpm

import (
	"errors"
	"os"
	"runtime"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/ipc"
)

// The test binary doubles as the worker program for the Process tests.
func TestMain(m *testing.M) {
	if IsChild() {
		if e := RunChild(idleMain); e != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func idleMain(w *poolvisor.Worker) error {
	<-w.Context().Done()
	return nil
}

func testEnv(t *testing.T, id poolvisor.WorkerID) (poolvisor.Environment, *ipc.Server) {
	cfg := poolvisor.DefaultConfig()
	cfg.ServiceName = "mpmtest"
	cfg.IpcDirectory = t.TempDir()
	srv := ipc.NewServer(int64(id), cfg.IpcDirectory, cfg.ServiceName, nil)
	return poolvisor.Environment{
		Config:      cfg,
		SchedulerID: id,
		Hub:         srv,
	}, srv
}

// statusFrom waits for a STATUS record from sid on channel 0.
func statusFrom(ch ipc.Channel, sid int64, code poolvisor.WorkerCode) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs, _ := ch.ReceiveAll()
		for _, r := range recs {
			if r.Sid != sid || r.Msg.Type != ipc.TypeStatus {
				continue
			}
			st, e := poolvisor.DecodeWorkerStatus(r.Msg.Extra.Status)
			if e == nil && st.Code == code {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func waitEvent(m poolvisor.MPM, w poolvisor.Waker) []poolvisor.Event {
	deadline := time.After(5 * time.Second)
	for {
		if ev := m.Poll(); len(ev) != 0 {
			return ev
		}
		select {
		case <-w.Wake():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			return nil
		}
	}
}

func TestThread(t *testing.T) {
	Convey("Thread MPM", t, func() {
		env, srv := testEnv(t, 1)
		defer srv.Close()
		th := NewThread(idleMain, poolvisor.WithReportInterval(0))

		Convey("Refuses to spawn before bind", func() {
			_, e := th.Spawn()
			So(errors.Is(e, ErrNotBound), ShouldBeTrue)
		})

		So(th.Bind(env), ShouldBeNil)
		So(th.Capabilities().Isolation, ShouldEqual, poolvisor.IsolationThread)

		Convey("Spawns workers that report", func() {
			id, e := th.Spawn()
			So(e, ShouldBeNil)
			So(id, ShouldEqual, FirstThreadID)
			id2, e := th.Spawn()
			So(e, ShouldBeNil)
			So(id2, ShouldEqual, FirstThreadID+1)
			So(th.Count(), ShouldEqual, 2)

			ch := srv.Channel(ipc.ChannelGeneral)
			So(statusFrom(ch, int64(id), poolvisor.CodeWaiting), ShouldBeTrue)

			Convey("Soft terminate ends the worker", func() {
				So(th.SignalTerminate(id, true), ShouldBeNil)
				ev := waitEvent(th, th)
				So(len(ev), ShouldEqual, 1)
				So(ev[0].Type, ShouldEqual, poolvisor.EventTerminated)
				So(ev[0].ID, ShouldEqual, id)
				So(ev[0].Err, ShouldBeNil)
				So(th.Count(), ShouldEqual, 1)
				So(th.Close(), ShouldBeNil)
			})

			Convey("Hard terminate ends the worker", func() {
				So(th.SignalTerminate(id2, false), ShouldBeNil)
				ev := waitEvent(th, th)
				So(len(ev), ShouldEqual, 1)
				So(ev[0].ID, ShouldEqual, id2)
				So(th.Close(), ShouldBeNil)
			})

			Convey("Close stops everything", func() {
				So(th.Close(), ShouldBeNil)
				So(th.Count(), ShouldEqual, 0)
				So(len(th.Poll()), ShouldEqual, 2)
				_, e := th.Spawn()
				So(errors.Is(e, ErrClosed), ShouldBeTrue)
				So(errors.Is(th.Close(), ErrClosed), ShouldBeTrue)
			})
		})

		Convey("Unknown workers are rejected", func() {
			e := th.SignalTerminate(42, true)
			So(errors.Is(e, poolvisor.ErrUnknownWorker), ShouldBeTrue)
		})

		Convey("A panicking worker is reported", func() {
			bad := NewThread(func(*poolvisor.Worker) error {
				panic("boom")
			}, poolvisor.WithReportInterval(0))
			So(bad.Bind(env), ShouldBeNil)
			_, e := bad.Spawn()
			So(e, ShouldBeNil)
			ev := waitEvent(bad, bad)
			So(len(ev), ShouldEqual, 1)
			So(ev[0].Err, ShouldNotBeNil)
			So(ev[0].Err.Error(), ShouldContainSubstring, "boom")
		})
	})
}

func TestStandalone(t *testing.T) {
	Convey("Standalone MPM", t, func() {
		env, srv := testEnv(t, 77)
		defer srv.Close()
		sa := NewStandalone(idleMain, poolvisor.WithReportInterval(0))
		So(sa.Bind(env), ShouldBeNil)
		So(sa.Capabilities().Isolation, ShouldEqual, poolvisor.IsolationNone)

		id, e := sa.Spawn()
		So(e, ShouldBeNil)
		So(id, ShouldEqual, poolvisor.WorkerID(77))

		_, e = sa.Spawn()
		So(errors.Is(e, poolvisor.ErrCapacityExceeded), ShouldBeTrue)

		So(sa.SignalTerminate(id, true), ShouldBeNil)
		ev := waitEvent(sa, sa)
		So(len(ev), ShouldEqual, 1)
		So(ev[0].ID, ShouldEqual, id)

		Convey("A replacement may be spawned after exit", func() {
			id, e := sa.Spawn()
			So(e, ShouldBeNil)
			So(id, ShouldEqual, poolvisor.WorkerID(77))
			So(sa.Close(), ShouldBeNil)
		})
	})
}

func TestProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix sockets")
	}
	Convey("Process MPM", t, func() {
		env, srv := testEnv(t, 1)
		So(srv.Listen(), ShouldBeNil)
		defer srv.Close()
		p := NewProcess()

		Convey("Refuses to spawn before bind", func() {
			_, e := p.Spawn()
			So(errors.Is(e, ErrNotBound), ShouldBeTrue)
		})

		So(p.Bind(env), ShouldBeNil)
		So(p.Capabilities().Isolation, ShouldEqual, poolvisor.IsolationProcess)

		Convey("Spawned children connect and report", func() {
			id, e := p.Spawn()
			So(e, ShouldBeNil)
			So(id, ShouldBeGreaterThan, 0)
			So(p.Count(), ShouldEqual, 1)

			ch := srv.Channel(ipc.ChannelGeneral)
			So(statusFrom(ch, int64(id), poolvisor.CodeWaiting), ShouldBeTrue)

			Convey("SIGTERM stops a child cleanly", func() {
				So(p.SignalTerminate(id, true), ShouldBeNil)
				ev := waitEvent(p, p)
				So(len(ev), ShouldEqual, 1)
				So(ev[0].ID, ShouldEqual, id)
				So(ev[0].Err, ShouldBeNil)
				So(p.Close(), ShouldBeNil)
			})

			Convey("Kill stops a child hard", func() {
				So(p.SignalTerminate(id, false), ShouldBeNil)
				ev := waitEvent(p, p)
				So(len(ev), ShouldEqual, 1)
				So(ev[0].Err, ShouldNotBeNil)
				So(p.Close(), ShouldBeNil)
			})
		})

		Convey("Unknown workers are rejected", func() {
			e := p.SignalTerminate(1, true)
			So(errors.Is(e, poolvisor.ErrUnknownWorker), ShouldBeTrue)
		})
	})
}
