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

package ui

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/poolvisor"
)

func TestMarkup(t *testing.T) {
	Convey("Key words get highlight escapes", t, func() {
		So(markup([]string{"[Q] Quit", "[H] Help"}), ShouldEqual,
			"[%AQ%N] Quit [%AH%N] Help")
		So(markup([]string{"100%"}), ShouldEqual, "100%%")
	})
}

func TestWorkerLevel(t *testing.T) {
	Convey("Worker colors follow their state", t, func() {
		w := poolvisor.NewWorkerState(1, "svc", time.Now())
		So(workerLevel(w), ShouldEqual, LevelNormal)
		w.Code = poolvisor.CodeRunning
		So(workerLevel(w), ShouldEqual, LevelGood)
		w.Code = poolvisor.CodeExiting
		So(workerLevel(w), ShouldEqual, LevelWarn)
		w.Termination = poolvisor.TermSoft
		So(workerLevel(w), ShouldEqual, LevelError)
	})
}
