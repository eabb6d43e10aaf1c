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
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

// Priority is the severity attached to a log line.  The names are also the
// values carried in the priority field of IPC messages.
type Priority int

const (
	PriDebug Priority = iota
	PriInfo
	PriNotice
	PriWarn
	PriErr
)

var priorityNames = []string{"DEBUG", "INFO", "NOTICE", "WARN", "ERR"}

func (p Priority) String() string {
	if p < PriDebug || p > PriErr {
		return fmt.Sprintf("PRI(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority maps a wire name back to a Priority.  Unknown names are
// treated as INFO.
func ParsePriority(s string) Priority {
	for i, n := range priorityNames {
		if strings.EqualFold(n, s) {
			return Priority(i)
		}
	}
	return PriInfo
}

// logf writes one line tagged with its priority.
func logf(l *log.Logger, p Priority, format string, args ...interface{}) {
	l.Printf("%s: %s", p, fmt.Sprintf(format, args...))
}

type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a bounded in-memory ring of log lines.  It is an io.Writer, so a
// log.Logger can sit on top of it, and readers can poll it by id or block
// in Watch until something new arrives.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

func (log *Log) lock() {
	log.mx.Lock()
}

func (log *Log) unlock() {
	log.mx.Unlock()
}

func (log *Log) Write(b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	now := time.Now()
	log.lock()
	if log.maxRecords == 0 {
		log.maxRecords = MaxLogRecords
	}
	if log.records == nil {
		log.records = make([]LogRecord, log.maxRecords)
		log.numRecords = 0
	}
	for _, line := range strings.Split(str, "\n") {
		idx := log.numRecords % log.maxRecords
		log.id++
		log.records[idx].Text = line
		log.records[idx].Id = log.id
		log.records[idx].Time = now
		// NB: numRecords runs past maxRecords once we wrap; it
		// tracks the next slot.
		log.numRecords++
	}
	for cv := range log.cvs {
		cv.Broadcast()
	}
	log.unlock()
	return len(b), nil
}

func (log *Log) Clear() {
	log.lock()
	log.numRecords = 0
	// Ids must keep moving forward across a clear, and records cannot
	// arrive faster than one per nanosecond.
	log.id = time.Now().UnixNano()
	log.unlock()
}

// GetRecords returns the retained records, oldest first, and the id of the
// newest one.  If nothing was added since last, it returns nil.
func (log *Log) GetRecords(last int64) ([]LogRecord, int64) {
	log.lock()
	defer log.unlock()
	if log.id == last {
		return nil, last
	}
	cnt := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := log.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, log.records[index%log.maxRecords])
		index++
	}
	return recs, log.id
}

// Watch blocks until a record newer than last is added, or expire elapses.
// It returns the newest id.
func (log *Log) Watch(last int64, expire time.Duration) int64 {
	if expire <= 0 {
		log.lock()
		defer log.unlock()
		return log.id
	}
	ctx, cancel := context.WithTimeout(context.Background(), expire)
	defer cancel()
	return log.WatchContext(ctx, last)
}

// WatchContext is Watch bounded by ctx instead of a fixed expiry.
func (log *Log) WatchContext(ctx context.Context, last int64) int64 {
	expired := false
	cv := sync.NewCond(&log.mx)
	stop := context.AfterFunc(ctx, func() {
		log.lock()
		expired = true
		cv.Broadcast()
		log.unlock()
	})
	defer stop()

	log.lock()
	log.cvs[cv] = true
	for log.id == last && !expired {
		cv.Wait()
	}
	delete(log.cvs, cv)
	last = log.id
	log.unlock()
	return last
}

func NewLog() *Log {
	return NewLogSize(MaxLogRecords)
}

// NewLogSize creates a ring that retains at most n records.
func NewLogSize(n int) *Log {
	if n <= 0 {
		n = MaxLogRecords
	}
	return &Log{
		maxRecords: n,
		records:    make([]LogRecord, n),
		id:         time.Now().UnixNano(),
		cvs:        make(map[*sync.Cond]bool),
	}
}
