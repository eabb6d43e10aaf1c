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
	"fmt"
	"time"

	"github.com/gdamore/poolvisor/ipc"
)

// handleMessages drains every sub-channel and dispatches what it finds.
// A failure handling one record is logged and does not affect the rest.
func (s *Scheduler) handleMessages(now time.Time) {
	for n := 0; n < ipc.NumChannels; n++ {
		ch := s.hub.Channel(n)
		if ch == nil {
			continue
		}
		recs, e := ch.ReceiveAll()
		if e != nil {
			logf(s.logger, PriWarn, "Receive on channel %d failed: %v", n, e)
			continue
		}
		for _, rec := range recs {
			s.metrics.RecordReceived(n, metricType(rec.Msg.Type))
			if e := s.dispatch(n, rec, now); e != nil {
				logf(s.logger, PriWarn, "Message %s from %d on channel %d: %v",
					rec.Msg.Type, rec.Sid, n, e)
			}
		}
	}
}

// metricType folds application message types into one label value.
func metricType(t ipc.MessageType) string {
	switch t {
	case ipc.TypeStatus, ipc.TypeStatusRequest, ipc.TypeLog:
		return string(t)
	}
	return "generic"
}

func (s *Scheduler) dispatch(n int, rec ipc.Record, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler failure: %v", r)
		}
	}()
	switch rec.Msg.Type {
	case ipc.TypeStatus:
		return s.reconcile(rec, now)
	case ipc.TypeStatusRequest:
		return s.sendStatus(n, rec, now)
	case ipc.TypeLog:
		s.workerLog(rec)
		return nil
	}
	if s.handler != nil {
		return s.handler(n, rec)
	}
	logf(s.logger, PriDebug, "Unhandled %q message from %d", rec.Msg.Type, rec.Sid)
	return nil
}

// reconcile applies a worker's status report.  Reports for workers that
// are not tracked are ignored, as are reports for workers already marked
// terminated, unless the report itself says the worker has terminated.
func (s *Scheduler) reconcile(rec ipc.Record, now time.Time) error {
	rep, e := DecodeWorkerStatus(rec.Msg.Extra.Status)
	if e != nil {
		return e
	}
	if rep.ID != WorkerID(rec.Sid) {
		return fmt.Errorf("%w: %d sent by %d", ErrForeignStatus, rep.ID, rec.Sid)
	}
	cur, ok := s.workers.Get(rep.ID)
	if !ok {
		logf(s.logger, PriDebug, "Ignoring status of unknown worker %d", rep.ID)
		return nil
	}
	if rep.Code == CodeTerminated {
		s.workerExited(rep.ID, nil, now)
		return nil
	}
	if cur.Code == CodeTerminated {
		return nil
	}

	if rep.Code == CodeRunning && cur.Code != CodeRunning {
		s.finished++
	}
	if rep.Code != cur.Code {
		cur.Time = now
	}
	cur.Code = rep.Code
	cur.RequestsFinished = rep.RequestsFinished
	cur.RequestsPerSecond = rep.RequestsPerSecond
	cur.CPUUsage = rep.CPUUsage
	cur.StatusDescription = rep.StatusDescription
	if rep.ServiceName != "" {
		cur.ServiceName = rep.ServiceName
	}
	return s.workers.Set(rep.ID, cur)
}

// sendStatus replies to a status request on the channel it came in on.
// A lost reply is not retried; the requester will ask again.
func (s *Scheduler) sendStatus(n int, rec ipc.Record, now time.Time) error {
	msg, e := s.buildSnapshot(now).Message()
	if e != nil {
		return e
	}
	if e = s.hub.Channel(n).Send(ipc.Audience(rec.Sid), msg); e != nil {
		s.metrics.SendDropped(n)
		return fmt.Errorf("status reply lost: %w", e)
	}
	s.metrics.StatusRequestServed()
	return nil
}

func (s *Scheduler) workerLog(rec ipc.Record) {
	name := rec.Msg.Extra.Logger
	if name == "" {
		name = "worker"
	}
	logf(s.logger, ParsePriority(rec.Msg.Priority), "%s[%d]: %s",
		name, rec.Sid, rec.Msg.Message)
}
