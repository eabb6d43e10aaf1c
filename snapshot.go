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
	"encoding/json"
	"fmt"
	"time"

	"github.com/gdamore/poolvisor/ipc"
)

// SchedulerStatus is the aggregate part of a snapshot.
type SchedulerStatus struct {
	Own              WorkerState    `json:"own"`
	Active           bool           `json:"active"`
	StartTimestamp   time.Time      `json:"start_timestamp"`
	Uptime           time.Duration  `json:"uptime"`
	TotalTraffic     uint64         `json:"total_traffic"`
	RequestsFinished uint64         `json:"requests_finished"`
	Isolation        IsolationLevel `json:"isolation"`
	MaxProcesses     int            `json:"max_processes"`
}

// Snapshot is the full status of a scheduler at one instant: its own
// state, aggregate counters and every worker, in collection order.
type Snapshot struct {
	UID       WorkerID        `json:"uid"`
	Logger    string          `json:"logger"`
	Time      time.Time       `json:"time"`
	Scheduler SchedulerStatus `json:"scheduler_status"`
	Workers   []WorkerState   `json:"process_status"`
}

// Count returns how many workers report code.
func (s *Snapshot) Count(code WorkerCode) int {
	n := 0
	for _, w := range s.Workers {
		if w.Code == code {
			n++
		}
	}
	return n
}

// Worker finds one worker by id.
func (s *Snapshot) Worker(id WorkerID) (WorkerState, bool) {
	for _, w := range s.Workers {
		if w.ID == id {
			return w, true
		}
	}
	return WorkerState{}, false
}

// Message wraps the snapshot as a STATUS reply.
func (s *Snapshot) Message() (ipc.Message, error) {
	ps, e := json.Marshal(s.Workers)
	if e != nil {
		return ipc.Message{}, e
	}
	ss, e := json.Marshal(s.Scheduler)
	if e != nil {
		return ipc.Message{}, e
	}
	return ipc.Message{
		Type:     ipc.TypeStatus,
		Priority: PriInfo.String(),
		Message:  "statusSent",
		Extra: ipc.Extra{
			UID:             int64(s.UID),
			Logger:          s.Logger,
			ProcessStatus:   ps,
			SchedulerStatus: ss,
		},
	}, nil
}

// SnapshotFromRecord extracts a snapshot from a STATUS reply.
func SnapshotFromRecord(rec ipc.Record) (*Snapshot, error) {
	m := rec.Msg
	if m.Type != ipc.TypeStatus || len(m.Extra.SchedulerStatus) == 0 {
		return nil, fmt.Errorf("record from %d is not a status reply", rec.Sid)
	}
	snap := &Snapshot{
		UID:    WorkerID(m.Extra.UID),
		Logger: m.Extra.Logger,
	}
	if e := json.Unmarshal(m.Extra.SchedulerStatus, &snap.Scheduler); e != nil {
		return nil, fmt.Errorf("bad scheduler status: %w", e)
	}
	if len(m.Extra.ProcessStatus) != 0 {
		if e := json.Unmarshal(m.Extra.ProcessStatus, &snap.Workers); e != nil {
			return nil, fmt.Errorf("bad process status: %w", e)
		}
	}
	snap.Time = snap.Scheduler.StartTimestamp.Add(snap.Scheduler.Uptime)
	return snap, nil
}
