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
	"math/rand"
	"time"

	"github.com/gdamore/poolvisor"
)

const (
	demoIdle = 500 * time.Millisecond
	demoWork = 2 * time.Second
)

// demoWorker pretends to serve requests of random length with random
// pauses between them.
func demoWorker(w *poolvisor.Worker) error {
	ctx := w.Context()
	w.SetDescription("idle")
	w.Logf(poolvisor.PriInfo, "worker %d ready", w.ID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(rand.Int63n(int64(demoIdle)))):
		}
		if e := w.Running(); e != nil {
			return e
		}
		w.SetDescription("working")
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(rand.Int63n(int64(demoWork)))):
		}
		w.SetDescription("idle")
		if e := w.Waiting(); e != nil {
			return e
		}
	}
}
