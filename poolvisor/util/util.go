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

// Package util is used for internal implementation bits in the CLI/UI.
package util

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/poolvisor"
)

func Status(w poolvisor.WorkerState) string {
	s := strings.ToLower(w.Code.String())
	if w.Termination != poolvisor.TermNone {
		s += " (" + strings.ToLower(w.Termination.String()) + ")"
	}
	return s
}

func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

func rank(w poolvisor.WorkerState) int {
	switch {
	case w.Termination != poolvisor.TermNone:
		return 3
	case w.Code == poolvisor.CodeRunning:
		return 0
	case w.Code == poolvisor.CodeWaiting:
		return 1
	}
	return 2
}

type sorted []poolvisor.WorkerState

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

// Busy workers first, then idle ones, then those on their way out.
func (s sorted) Less(i, j int) bool {
	a, b := rank(s[i]), rank(s[j])
	if a != b {
		return a < b
	}
	return s[i].ID < s[j].ID
}

func SortWorkers(items []poolvisor.WorkerState) {
	sort.Sort(sorted(items))
}

// Summary is the one line headline of a snapshot.
func Summary(snap *poolvisor.Snapshot) string {
	return fmt.Sprintf("%d Workers  %d Running  %d Waiting  %d Exiting  (max %d, %s)",
		len(snap.Workers),
		snap.Count(poolvisor.CodeRunning),
		snap.Count(poolvisor.CodeWaiting),
		snap.Count(poolvisor.CodeExiting)+snap.Count(poolvisor.CodeTerminated),
		snap.Scheduler.MaxProcesses,
		snap.Scheduler.Isolation)
}

// WriteText prints a snapshot as a plain table.
func WriteText(w io.Writer, snap *poolvisor.Snapshot, now time.Time) {
	own := snap.Scheduler.Own
	fmt.Fprintf(w, "Scheduler %d (%s) %s, up %s, %d requests finished\n",
		snap.UID, own.ServiceName, Status(own),
		FormatDuration(snap.Scheduler.Uptime), snap.Scheduler.RequestsFinished)
	fmt.Fprintln(w, Summary(snap))

	items := append([]poolvisor.WorkerState(nil), snap.Workers...)
	SortWorkers(items)
	for _, s := range items {
		fmt.Fprintf(w, "%10d %-18s %10s %8.2f %6.1f%% %8d %s\n",
			s.ID, Status(s), FormatDuration(now.Sub(s.Time)),
			s.RequestsPerSecond, s.CPUUsage, s.RequestsFinished,
			s.StatusDescription)
	}
}
