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
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DialTimeout bounds connecting to a scheduler socket.
const DialTimeout = time.Second

// Client is the worker (or status query) side of one sub-channel.
type Client struct {
	ep     *endpoint
	sid    int64
	seq    atomic.Uint64
	done   chan struct{}
	closed bool
	err    error
	mx     sync.Mutex
	inbox
}

// Dial connects to sub-channel n of the scheduler for service, announcing
// itself as sid.
func Dial(dir, service string, n int, sid int64) (*Client, error) {
	if n < 0 || n >= NumChannels {
		return nil, ErrBadChannel
	}
	c, e := net.DialTimeout("unix", SocketPath(dir, service, n), DialTimeout)
	if e != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, e)
	}
	cl, e := NewClient(c, sid)
	if e != nil {
		c.Close()
		return nil, e
	}
	return cl, nil
}

// NewClient wraps an established stream.  The sender id is registered with
// the server before NewClient returns, so replies addressed to sid can be
// routed immediately.
func NewClient(c net.Conn, sid int64) (*Client, error) {
	cl := &Client{
		ep:   newEndpoint(c, DefaultWriteTimeout),
		sid:  sid,
		done: make(chan struct{}),
	}
	cl.notify = make(chan struct{}, 1)
	cl.ep.sid.Store(sid)
	hello := Record{
		Sid: sid,
		Aud: AudienceAll,
		Msg: Message{Type: typeHello},
		Num: cl.seq.Add(1),
	}
	if e := cl.ep.write(hello); e != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, e)
	}
	go cl.run()
	return cl, nil
}

func (cl *Client) run() {
	e := cl.ep.readLoop(func(rec Record) {
		if rec.Aud == AudienceAll || int64(rec.Aud) == cl.sid {
			cl.push(rec)
		}
	}, func(error) {})
	cl.mx.Lock()
	if !cl.closed {
		cl.err = fmt.Errorf("%w: %w", ErrUnavailable, e)
	}
	cl.mx.Unlock()
	cl.ep.conn.Close()
	close(cl.done)
}

// ID returns the sender id of this client.
func (cl *Client) ID() int64 {
	return cl.sid
}

// Send writes one record addressed to aud.
func (cl *Client) Send(aud Audience, msg Message) error {
	if e := cl.failure(); e != nil {
		return e
	}
	rec := Record{Sid: cl.sid, Aud: aud, Msg: msg, Num: cl.seq.Add(1)}
	if e := cl.ep.write(rec); e != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, e)
	}
	return nil
}

// ReceiveAll drains every record received so far.  Once the connection is
// gone and nothing is left queued, the failure is returned.
func (cl *Client) ReceiveAll() ([]Record, error) {
	recs := cl.drain()
	if len(recs) == 0 {
		if e := cl.failure(); e != nil {
			return nil, e
		}
	}
	return recs, nil
}

// Ready is signalled when a record arrives.
func (cl *Client) Ready() <-chan struct{} {
	return cl.notify
}

// Done is closed when the connection ends for any reason.
func (cl *Client) Done() <-chan struct{} {
	return cl.done
}

func (cl *Client) failure() error {
	cl.mx.Lock()
	defer cl.mx.Unlock()
	if cl.closed {
		return ErrClosed
	}
	return cl.err
}

func (cl *Client) Close() error {
	cl.mx.Lock()
	if cl.closed {
		cl.mx.Unlock()
		return ErrClosed
	}
	cl.closed = true
	cl.mx.Unlock()
	e := cl.ep.conn.Close()
	<-cl.done
	return e
}
