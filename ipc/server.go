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
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// SocketPath returns the unix socket path used for sub-channel n.
func SocketPath(dir, service string, n int) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%d.sock", service, n))
}

// Server is the scheduler side of the IPC transport.  Each sub-channel
// has its own listening socket, and any number of endpoints may be
// connected to it.  In-process endpoints are added with Attach.
type Server struct {
	sid      int64
	dir      string
	service  string
	logger   *log.Logger
	timeout  time.Duration
	channels [NumChannels]*serverChannel
	ready    chan struct{}
	seq      atomic.Uint64
	lsns     []net.Listener
	paths    []string
	closed   bool
	wg       sync.WaitGroup
	mx       sync.Mutex
}

// NewServer creates a server that sends as sid.  Nothing is opened until
// Listen is called.
func NewServer(sid int64, dir, service string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		sid:     sid,
		dir:     dir,
		service: service,
		logger:  logger,
		timeout: DefaultWriteTimeout,
		ready:   make(chan struct{}, 1),
	}
	for n := range s.channels {
		sc := &serverChannel{
			srv:   s,
			num:   n,
			conns: make(map[*endpoint]struct{}),
			last:  make(map[int64]uint64),
		}
		sc.notify = s.ready
		s.channels[n] = sc
	}
	return s
}

// ID returns the sender id this server stamps on its records.
func (s *Server) ID() int64 {
	return s.sid
}

// SetWriteTimeout changes the per-record write deadline.  Zero disables it.
func (s *Server) SetWriteTimeout(d time.Duration) {
	s.mx.Lock()
	s.timeout = d
	s.mx.Unlock()
}

// Listen opens one unix socket per sub-channel under the IPC directory.
// Stale socket files are removed first.  On failure nothing is left open.
func (s *Server) Listen() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.lsns) != 0 {
		return nil
	}
	if e := os.MkdirAll(s.dir, 0755); e != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, e)
	}
	for n := range s.channels {
		path := SocketPath(s.dir, s.service, n)
		os.Remove(path)
		l, e := net.Listen("unix", path)
		if e != nil {
			for _, l := range s.lsns {
				l.Close()
			}
			for _, p := range s.paths {
				os.Remove(p)
			}
			s.lsns = nil
			s.paths = nil
			return fmt.Errorf("%w: %w", ErrUnavailable, e)
		}
		s.lsns = append(s.lsns, l)
		s.paths = append(s.paths, path)
		s.wg.Add(1)
		go s.accept(n, l)
	}
	return nil
}

func (s *Server) accept(n int, l net.Listener) {
	defer s.wg.Done()
	for {
		c, e := l.Accept()
		if e != nil {
			if !errors.Is(e, net.ErrClosed) {
				s.logger.Printf("Accept on channel %d failed: %v", n, e)
			}
			return
		}
		if e = s.Attach(n, c); e != nil {
			c.Close()
		}
	}
}

// Attach connects an already established stream to sub-channel n.
func (s *Server) Attach(n int, c net.Conn) error {
	if n < 0 || n >= NumChannels {
		return ErrBadChannel
	}
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return ErrClosed
	}
	ep := newEndpoint(c, s.timeout)
	sc := s.channels[n]
	sc.mx.Lock()
	sc.conns[ep] = struct{}{}
	sc.mx.Unlock()
	s.wg.Add(1)
	s.mx.Unlock()

	go sc.serve(ep)
	return nil
}

// Channel returns sub-channel n, or nil if there is no such sub-channel.
func (s *Server) Channel(n int) Channel {
	if n < 0 || n >= NumChannels {
		return nil
	}
	return s.channels[n]
}

// Connections reports how many endpoints are connected to sub-channel n.
func (s *Server) Connections(n int) int {
	if n < 0 || n >= NumChannels {
		return 0
	}
	sc := s.channels[n]
	sc.mx.Lock()
	defer sc.mx.Unlock()
	return len(sc.conns)
}

func (s *Server) knows(n int, sid int64) bool {
	sc := s.channels[n]
	sc.mx.Lock()
	defer sc.mx.Unlock()
	for ep := range sc.conns {
		if ep.sid.Load() == sid {
			return true
		}
	}
	return false
}

// Ready is signalled whenever a record arrives on any sub-channel.  It
// holds at most one pending signal, so callers must drain every channel
// after waking.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Close stops listening, disconnects every endpoint and removes the socket
// files.  Records already received remain available to ReceiveAll.
func (s *Server) Close() error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return ErrClosed
	}
	s.closed = true
	for _, l := range s.lsns {
		l.Close()
	}
	for _, p := range s.paths {
		os.Remove(p)
	}
	s.lsns = nil
	s.paths = nil
	for _, sc := range s.channels {
		sc.mx.Lock()
		for ep := range sc.conns {
			ep.conn.Close()
		}
		sc.mx.Unlock()
	}
	s.mx.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) isClosed() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.closed
}

type serverChannel struct {
	srv   *Server
	num   int
	conns map[*endpoint]struct{}
	last  map[int64]uint64
	inbox
	mx sync.Mutex
}

func (sc *serverChannel) serve(ep *endpoint) {
	defer sc.srv.wg.Done()
	logger := sc.srv.logger

	e := ep.readLoop(func(rec Record) {
		ep.sid.Store(rec.Sid)
		if rec.Msg.Type == typeHello {
			return
		}
		sc.mx.Lock()
		if prev, ok := sc.last[rec.Sid]; ok && rec.Num <= prev {
			logger.Printf("Record %d from %d on channel %d out of order (after %d)",
				rec.Num, rec.Sid, sc.num, prev)
		}
		sc.last[rec.Sid] = rec.Num
		sc.mx.Unlock()
		if rec.Aud != AudienceAll && int64(rec.Aud) != sc.srv.sid {
			logger.Printf("Dropping record from %d for %s on channel %d",
				rec.Sid, rec.Aud, sc.num)
			return
		}
		sc.push(rec)
	}, func(e error) {
		logger.Printf("Bad record on channel %d: %v", sc.num, e)
	})

	if e != nil && !errors.Is(e, io.EOF) && !errors.Is(e, net.ErrClosed) &&
		!errors.Is(e, io.ErrClosedPipe) && !sc.srv.isClosed() {
		logger.Printf("Channel %d connection from %d lost: %v",
			sc.num, ep.sid.Load(), e)
	}
	sc.mx.Lock()
	delete(sc.conns, ep)
	delete(sc.last, ep.sid.Load())
	sc.mx.Unlock()
	ep.conn.Close()
}

// Send delivers msg to every endpoint matching aud.  A broadcast with no
// endpoints connected is not an error.
func (sc *serverChannel) Send(aud Audience, msg Message) error {
	if sc.srv.isClosed() {
		return ErrClosed
	}
	rec := Record{
		Sid: sc.srv.sid,
		Aud: aud,
		Msg: msg,
		Num: sc.srv.seq.Add(1),
	}

	var targets []*endpoint
	sc.mx.Lock()
	for ep := range sc.conns {
		if aud == AudienceAll || ep.sid.Load() == int64(aud) {
			targets = append(targets, ep)
		}
	}
	sc.mx.Unlock()

	if len(targets) == 0 {
		if aud == AudienceAll {
			return nil
		}
		return fmt.Errorf("%w %s on channel %d", ErrNoRecipient, aud, sc.num)
	}
	var err error
	for _, ep := range targets {
		if e := ep.write(rec); e != nil && err == nil {
			err = fmt.Errorf("%w: %w", ErrUnavailable, e)
		}
	}
	return err
}

func (sc *serverChannel) ReceiveAll() ([]Record, error) {
	recs := sc.drain()
	if len(recs) == 0 && sc.srv.isClosed() {
		return nil, ErrClosed
	}
	return recs, nil
}
