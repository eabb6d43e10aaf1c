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

package rpc

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/poolvisor"
)

type fakeSource struct {
	snap *poolvisor.Snapshot
	log  *poolvisor.Log
}

func (f *fakeSource) Snapshot() *poolvisor.Snapshot { return f.snap }
func (f *fakeSource) Log() *poolvisor.Log           { return f.log }

func testSnapshot() *poolvisor.Snapshot {
	now := time.Unix(1700000000, 0)
	w1 := poolvisor.NewWorkerState(11, "svc", now)
	w2 := poolvisor.NewWorkerState(12, "svc", now)
	w2.Code = poolvisor.CodeRunning
	return &poolvisor.Snapshot{
		UID:    1,
		Logger: "svc",
		Time:   now,
		Scheduler: poolvisor.SchedulerStatus{
			Own:            poolvisor.NewWorkerState(1, "svc", now),
			Active:         true,
			StartTimestamp: now,
			MaxProcesses:   4,
		},
		Workers: []poolvisor.WorkerState{w1, w2},
	}
}

func TestHandler(t *testing.T) {
	Convey("With a handler over a fake source", t, func() {
		src := &fakeSource{snap: testSnapshot(), log: poolvisor.NewLog()}
		pmc := poolvisor.NewPrometheusMetricsCollector("")
		pmc.WorkerSpawned(nil)
		srv := httptest.NewServer(NewHandler(src, WithGatherer(pmc.Registry())))
		defer srv.Close()
		c := NewClient(nil, srv.URL+"/")
		ctx := context.Background()

		Convey("Status is served and cached", func() {
			snap, e := c.Status(ctx)
			So(e, ShouldBeNil)
			So(snap.UID, ShouldEqual, poolvisor.WorkerID(1))
			So(len(snap.Workers), ShouldEqual, 2)
			So(snap.Count(poolvisor.CodeRunning), ShouldEqual, 1)

			again, e := c.Status(ctx)
			So(e, ShouldBeNil)
			So(again, ShouldEqual, snap)

			src.snap = testSnapshot()
			src.snap.Time = src.snap.Time.Add(time.Second)
			fresh, e := c.Status(ctx)
			So(e, ShouldBeNil)
			So(fresh, ShouldNotEqual, snap)
		})

		Convey("Workers are listed", func() {
			ws, e := c.Workers(ctx)
			So(e, ShouldBeNil)
			So(len(ws), ShouldEqual, 2)
			So(ws[0].ID, ShouldEqual, poolvisor.WorkerID(11))
		})

		Convey("One worker can be fetched", func() {
			w, e := c.Worker(ctx, 12)
			So(e, ShouldBeNil)
			So(w.Code, ShouldEqual, poolvisor.CodeRunning)

			_, e = c.Worker(ctx, 99)
			var re *Error
			So(errors.As(e, &re), ShouldBeTrue)
			So(re.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("A bad worker id is rejected", func() {
			res, e := http.Get(srv.URL + "/workers/abc")
			So(e, ShouldBeNil)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusBadRequest)
		})

		Convey("No snapshot is unavailable", func() {
			src.snap = nil
			_, e := c.Status(ctx)
			var re *Error
			So(errors.As(e, &re), ShouldBeTrue)
			So(re.Code, ShouldEqual, http.StatusServiceUnavailable)
		})

		Convey("The log can be read and watched", func() {
			logger := log.New(src.log, "", 0)
			logger.Print("first")
			info, e := c.GetLog(ctx)
			So(e, ShouldBeNil)
			So(len(info.Records), ShouldEqual, 1)
			So(info.Records[0].Text, ShouldEqual, "first")

			go func() {
				time.Sleep(50 * time.Millisecond)
				logger.Print("second")
			}()
			next, e := c.WatchLog(ctx, info)
			So(e, ShouldBeNil)
			So(len(next.Records), ShouldEqual, 2)
			So(next.Records[1].Text, ShouldEqual, "second")
		})

		Convey("An expired watch returns the old log", func() {
			logger := log.New(src.log, "", 0)
			logger.Print("only")
			info, e := c.GetLog(ctx)
			So(e, ShouldBeNil)
			wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()
			_, e = c.WatchLog(wctx, info)
			So(e, ShouldNotBeNil)
			So(errors.Is(e, context.DeadlineExceeded), ShouldBeTrue)
		})

		Convey("Metrics are exposed", func() {
			res, e := http.Get(srv.URL + "/metrics")
			So(e, ShouldBeNil)
			body, _ := io.ReadAll(res.Body)
			res.Body.Close()
			So(res.StatusCode, ShouldEqual, http.StatusOK)
			So(string(body), ShouldContainSubstring, "poolvisor_worker_spawns_total")
		})
	})
}

func TestHandlerWithoutMetrics(t *testing.T) {
	Convey("Without a gatherer there is no metrics route", t, func() {
		src := &fakeSource{snap: testSnapshot(), log: poolvisor.NewLog()}
		srv := httptest.NewServer(NewHandler(src))
		defer srv.Close()
		res, e := http.Get(srv.URL + "/metrics")
		So(e, ShouldBeNil)
		res.Body.Close()
		So(res.StatusCode, ShouldEqual, http.StatusNotFound)
	})
}
