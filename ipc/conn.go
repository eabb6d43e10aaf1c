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

package ipc

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWriteTimeout bounds a single record write.  A peer that stops
// reading must not wedge the sender.
const DefaultWriteTimeout = 250 * time.Millisecond

// Channel is one numbered sub-channel as seen by its user.  Send is fire
// and forget; ReceiveAll never blocks, and returns everything that has
// arrived since the previous call, in arrival order.
type Channel interface {
	Send(aud Audience, msg Message) error
	ReceiveAll() ([]Record, error)
}

// endpoint is one connected stream.  Writes are serialized so that a
// record is never interleaved with another on the wire.
type endpoint struct {
	conn    net.Conn
	sid     atomic.Int64
	timeout time.Duration
	wlock   sync.Mutex
}

func newEndpoint(c net.Conn, timeout time.Duration) *endpoint {
	ep := &endpoint{conn: c, timeout: timeout}
	ep.sid.Store(-1)
	return ep
}

func (ep *endpoint) write(rec Record) error {
	b, e := Encode(rec)
	if e != nil {
		return e
	}
	ep.wlock.Lock()
	defer ep.wlock.Unlock()
	if ep.timeout > 0 {
		ep.conn.SetWriteDeadline(time.Now().Add(ep.timeout))
	}
	_, e = ep.conn.Write(b)
	return e
}

// readLoop decodes records until the stream fails.  A partial record left
// at end of stream is discarded.
func (ep *endpoint) readLoop(deliver func(Record), bad func(error)) error {
	r := bufio.NewReader(ep.conn)
	for {
		b, e := r.ReadBytes(delimiter)
		if e != nil {
			return e
		}
		rec, e := Decode(b)
		if e != nil {
			bad(e)
			continue
		}
		deliver(rec)
	}
}

// inbox queues received records for a non-blocking drain.  Every push
// pokes notify, which holds at most one pending wakeup.
type inbox struct {
	recs   []Record
	notify chan struct{}
	mx     sync.Mutex
}

func (ib *inbox) push(rec Record) {
	ib.mx.Lock()
	ib.recs = append(ib.recs, rec)
	ib.mx.Unlock()
	select {
	case ib.notify <- struct{}{}:
	default:
	}
}

func (ib *inbox) drain() []Record {
	ib.mx.Lock()
	recs := ib.recs
	ib.recs = nil
	ib.mx.Unlock()
	return recs
}

func (ib *inbox) pending() int {
	ib.mx.Lock()
	defer ib.mx.Unlock()
	return len(ib.recs)
}
