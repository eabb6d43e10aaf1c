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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// WorkerID identifies a worker for its whole lifetime.  For process based
// workers it is the OS process id.
type WorkerID int64

// WorkerCode is the lifecycle state of a worker.
type WorkerCode int

const (
	CodeWaiting WorkerCode = iota
	CodeRunning
	CodeExiting
	CodeTerminated
)

var codeNames = []string{"WAITING", "RUNNING", "EXITING", "TERMINATED"}

func (c WorkerCode) String() string {
	if c < CodeWaiting || c > CodeTerminated {
		return fmt.Sprintf("CODE(%d)", int(c))
	}
	return codeNames[c]
}

func (c WorkerCode) MarshalText() ([]byte, error) {
	if c < CodeWaiting || c > CodeTerminated {
		return nil, ErrBadWorkerCode
	}
	return []byte(codeNames[c]), nil
}

func (c *WorkerCode) UnmarshalText(b []byte) error {
	s := strings.ToUpper(string(b))
	for i, n := range codeNames {
		if n == s {
			*c = WorkerCode(i)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrBadWorkerCode, b)
}

// Termination records what the scheduler has asked of a worker.  It is
// never reported by the worker itself.
type Termination int

const (
	TermNone Termination = iota
	TermSoft
	TermHard
)

func (t Termination) String() string {
	switch t {
	case TermNone:
		return "none"
	case TermSoft:
		return "soft"
	case TermHard:
		return "hard"
	}
	return fmt.Sprintf("term(%d)", int(t))
}

func (t Termination) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Termination) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none", "":
		*t = TermNone
	case "soft":
		*t = TermSoft
	case "hard":
		*t = TermHard
	default:
		return fmt.Errorf("bad termination %q", b)
	}
	return nil
}

// WorkerState describes one worker.  The performance counters only ever
// come from the worker's own status reports.
type WorkerState struct {
	ID                WorkerID   `json:"uid"`
	Code              WorkerCode `json:"code"`
	Time              time.Time  `json:"time"`
	ServiceName       string     `json:"service_name"`
	RequestsFinished  uint64     `json:"requests_finished"`
	RequestsPerSecond float64    `json:"requests_per_second"`
	CPUUsage          float64    `json:"cpu_usage"`
	StatusDescription string     `json:"status_description"`

	// Scheduler side bookkeeping.
	Termination   Termination `json:"termination,omitempty"`
	TerminateTime time.Time   `json:"terminate_time"`
}

// NewWorkerState returns the state of a freshly spawned worker.
func NewWorkerState(id WorkerID, service string, now time.Time) WorkerState {
	return WorkerState{
		ID:          id,
		Code:        CodeWaiting,
		Time:        now,
		ServiceName: service,
	}
}

// IsExiting reports whether the worker is on its way out, either because it
// said so or because the scheduler asked it to go.
func (s WorkerState) IsExiting() bool {
	return s.Code == CodeExiting || s.Termination != TermNone
}

// IsIdle reports whether the worker is alive and waiting for work.
func (s WorkerState) IsIdle() bool {
	return s.Code == CodeWaiting && s.Termination == TermNone
}

// IsLive reports whether the worker still counts toward the pool.
func (s WorkerState) IsLive() bool {
	return s.Code != CodeTerminated && s.Code != CodeExiting &&
		s.Termination == TermNone
}

// statusReport is the wire form of a worker's own status.  It carries
// none of the scheduler side fields.
type statusReport struct {
	ID                *WorkerID  `json:"uid"`
	Code              WorkerCode `json:"code"`
	Time              time.Time  `json:"time"`
	ServiceName       string     `json:"service_name,omitempty"`
	RequestsFinished  uint64     `json:"requests_finished"`
	RequestsPerSecond float64    `json:"requests_per_second"`
	CPUUsage          float64    `json:"cpu_usage"`
	StatusDescription string     `json:"status_description,omitempty"`
}

// EncodeWorkerStatus produces the status report for s.
func EncodeWorkerStatus(s WorkerState) (json.RawMessage, error) {
	id := s.ID
	return json.Marshal(statusReport{
		ID:                &id,
		Code:              s.Code,
		Time:              s.Time,
		ServiceName:       s.ServiceName,
		RequestsFinished:  s.RequestsFinished,
		RequestsPerSecond: s.RequestsPerSecond,
		CPUUsage:          s.CPUUsage,
		StatusDescription: s.StatusDescription,
	})
}

// DecodeWorkerStatus parses and validates a status report.  Unknown fields
// are rejected, and counters must be finite and non-negative.
func DecodeWorkerStatus(raw json.RawMessage) (WorkerState, error) {
	var rep statusReport
	if len(raw) == 0 {
		return WorkerState{}, errors.New("empty status")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if e := dec.Decode(&rep); e != nil {
		return WorkerState{}, e
	}
	if rep.ID == nil {
		return WorkerState{}, errors.New("status without uid")
	}
	for _, v := range []float64{rep.RequestsPerSecond, rep.CPUUsage} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return WorkerState{}, fmt.Errorf("bad counter value %v", v)
		}
	}
	return WorkerState{
		ID:                *rep.ID,
		Code:              rep.Code,
		Time:              rep.Time,
		ServiceName:       rep.ServiceName,
		RequestsFinished:  rep.RequestsFinished,
		RequestsPerSecond: rep.RequestsPerSecond,
		CPUUsage:          rep.CPUUsage,
		StatusDescription: rep.StatusDescription,
	}, nil
}
