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
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/poolvisor/ipc"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	s := string(p)
	s = strings.Trim(s, "\n")
	tl.t.Log(s)
	return len(p), nil
}

type fakeClock struct {
	now time.Time
	mx  sync.Mutex
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type signalRec struct {
	id   WorkerID
	soft bool
}

type fakeMPM struct {
	next     WorkerID
	spawned  []WorkerID
	signals  []signalRec
	events   []Event
	spawnErr error
	onSpawn  func(WorkerID)
	mx       sync.Mutex
}

func (m *fakeMPM) Spawn() (WorkerID, error) {
	m.mx.Lock()
	if m.spawnErr != nil {
		m.mx.Unlock()
		return 0, m.spawnErr
	}
	m.next++
	id := m.next
	m.spawned = append(m.spawned, id)
	hook := m.onSpawn
	m.mx.Unlock()
	if hook != nil {
		hook(id)
	}
	return id, nil
}

func (m *fakeMPM) SignalTerminate(id WorkerID, soft bool) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.signals = append(m.signals, signalRec{id: id, soft: soft})
	return nil
}

func (m *fakeMPM) Capabilities() Capabilities {
	return Capabilities{Isolation: IsolationProcess}
}

func (m *fakeMPM) Poll() []Event {
	m.mx.Lock()
	defer m.mx.Unlock()
	ev := m.events
	m.events = nil
	return ev
}

func (m *fakeMPM) die(id WorkerID, err error) {
	m.mx.Lock()
	m.events = append(m.events, Event{Type: EventTerminated, ID: id, Err: err})
	m.mx.Unlock()
}

func (m *fakeMPM) spawnCount() int {
	m.mx.Lock()
	defer m.mx.Unlock()
	return len(m.spawned)
}

func (m *fakeMPM) signalList() []signalRec {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]signalRec{}, m.signals...)
}

type sent struct {
	aud ipc.Audience
	msg ipc.Message
}

type fakeChannel struct {
	in      []ipc.Record
	out     []sent
	sendErr error
	mx      sync.Mutex
}

func (c *fakeChannel) Send(aud ipc.Audience, msg ipc.Message) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.out = append(c.out, sent{aud: aud, msg: msg})
	return nil
}

func (c *fakeChannel) ReceiveAll() ([]ipc.Record, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	recs := c.in
	c.in = nil
	return recs, nil
}

func (c *fakeChannel) inject(recs ...ipc.Record) {
	c.mx.Lock()
	c.in = append(c.in, recs...)
	c.mx.Unlock()
}

func (c *fakeChannel) sentList() []sent {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]sent{}, c.out...)
}

type fakeHub struct {
	chans     [ipc.NumChannels]*fakeChannel
	ready     chan struct{}
	listenErr error
	listened  bool
	closed    bool
	mx        sync.Mutex
}

func newFakeHub() *fakeHub {
	h := &fakeHub{ready: make(chan struct{}, 1)}
	for i := range h.chans {
		h.chans[i] = &fakeChannel{}
	}
	return h
}

func (h *fakeHub) Listen() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.listenErr != nil {
		return h.listenErr
	}
	h.listened = true
	return nil
}

func (h *fakeHub) Attach(n int, c net.Conn) error {
	return errors.New("not supported")
}

func (h *fakeHub) Channel(n int) ipc.Channel {
	return h.chans[n]
}

func (h *fakeHub) Ready() <-chan struct{} {
	return h.ready
}

func (h *fakeHub) Close() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHub) isClosed() bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.closed
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.ServiceName = "test"
	cfg.IpcDirectory = t.TempDir()
	cfg.MaxProcesses = 3
	cfg.StartProcesses = 3
	cfg.LoopInterval = 5 * time.Millisecond
	cfg.ProcessIdleTimeout = 5 * time.Second
	return cfg
}

type harness struct {
	s     *Scheduler
	mpm   *fakeMPM
	hub   *fakeHub
	clock *fakeClock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	h := &harness{
		mpm:   &fakeMPM{},
		hub:   newFakeHub(),
		clock: newFakeClock(),
	}
	opts = append([]Option{
		WithMPM(h.mpm),
		WithHub(h.hub),
		WithClock(h.clock.Now),
		WithID(1000),
		WithLogger(log.New(&testLog{t: t}, "", 0)),
	}, opts...)
	s, e := NewScheduler(cfg, opts...)
	So(e, ShouldBeNil)
	h.s = s
	return h
}

// step runs one loop iteration after advancing the clock.
func (h *harness) step(d time.Duration) {
	h.s.iterate(h.clock.Advance(d))
}

func (h *harness) logged(text string) bool {
	recs, _ := h.s.Log().GetRecords(0)
	for _, r := range recs {
		if strings.Contains(r.Text, text) {
			return true
		}
	}
	return false
}

func statusRecord(id WorkerID, code WorkerCode, mod func(*WorkerState)) ipc.Record {
	st := WorkerState{ID: id, Code: code, ServiceName: "test"}
	if mod != nil {
		mod(&st)
	}
	raw, e := EncodeWorkerStatus(st)
	if e != nil {
		panic(e)
	}
	return ipc.Record{
		Sid: int64(id),
		Aud: ipc.AudienceAll,
		Msg: ipc.Message{
			Type:    ipc.TypeStatus,
			Message: "statusSent",
			Extra:   ipc.Extra{UID: int64(id), Status: raw},
		},
	}
}
