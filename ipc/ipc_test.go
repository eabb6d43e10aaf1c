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
	"bytes"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	in := Record{
		Sid: 42,
		Aud: Audience(7),
		Msg: Message{
			Type:     TypeStatus,
			Priority: "INFO",
			Message:  "statusSent",
			Extra: Extra{
				UID:    42,
				Logger: "scheduler",
				Status: json.RawMessage(`{"code":"WAITING","nested":{"n":3}}`),
				Fields: map[string]interface{}{"s": "x", "f": 1.5},
			},
		},
		Num: 99,
	}
	b, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b[len(b)-1])
	assert.Equal(t, 1, bytes.Count(b, []byte{0}))

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in.Sid, out.Sid)
	assert.Equal(t, in.Aud, out.Aud)
	assert.Equal(t, in.Num, out.Num)
	assert.Equal(t, in.Msg.Type, out.Msg.Type)
	assert.Equal(t, in.Msg.Priority, out.Msg.Priority)
	assert.Equal(t, in.Msg.Message, out.Msg.Message)
	assert.Equal(t, in.Msg.Extra.UID, out.Msg.Extra.UID)
	assert.Equal(t, in.Msg.Extra.Fields, out.Msg.Extra.Fields)
	assert.JSONEq(t, string(in.Msg.Extra.Status), string(out.Msg.Extra.Status))
}

func TestRecordKeepsIntegers(t *testing.T) {
	in := Record{
		Sid: 3,
		Aud: AudienceAll,
		Msg: Message{
			Type: MessageType("COUNTS"),
			Extra: Extra{
				Fields: map[string]interface{}{
					"n":    3,
					"neg":  -12,
					"big":  int64(1<<60 + 1),
					"half": 0.5,
					"m":    map[string]interface{}{"k": 7},
					"l":    []interface{}{1, "two", 3.25},
				},
			},
		},
	}
	b, err := Encode(in)
	require.NoError(t, err)
	out, err := Decode(b)
	require.NoError(t, err)

	f := out.Msg.Extra.Fields
	assert.Equal(t, int64(3), f["n"])
	assert.Equal(t, int64(-12), f["neg"])
	assert.Equal(t, int64(1<<60+1), f["big"])
	assert.Equal(t, 0.5, f["half"])
	assert.Equal(t, map[string]interface{}{"k": int64(7)}, f["m"])
	assert.Equal(t, []interface{}{int64(1), "two", 3.25}, f["l"])
}

func TestAudienceWireForm(t *testing.T) {
	b, err := json.Marshal(AudienceAll)
	require.NoError(t, err)
	assert.Equal(t, `"all"`, string(b))

	b, err = json.Marshal(Audience(12))
	require.NoError(t, err)
	assert.Equal(t, `12`, string(b))

	var a Audience
	require.NoError(t, json.Unmarshal([]byte(`"all"`), &a))
	assert.Equal(t, AudienceAll, a)
	require.NoError(t, json.Unmarshal([]byte(`5`), &a))
	assert.Equal(t, Audience(5), a)
	assert.Error(t, json.Unmarshal([]byte(`"some"`), &a))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, b := range [][]byte{
		{},
		{0},
		[]byte("not json\x00"),
		[]byte(`{"sid":-3,"aud":"all","msg":{},"num":1}`),
		[]byte(`{"sid":1,"aud":"all","msg":{},"num":1} {"sid":2}`),
	} {
		_, err := Decode(b)
		assert.ErrorIs(t, err, ErrBadRecord, "input %q", b)
	}
}

func TestFramingSplitsRecords(t *testing.T) {
	var buf bytes.Buffer
	for i := 1; i <= 3; i++ {
		b, err := Encode(Record{Sid: 1, Aud: AudienceAll, Num: uint64(i)})
		require.NoError(t, err)
		buf.Write(b)
	}
	// trailing partial record is discarded
	buf.WriteString(`{"sid":1`)

	a, b := net.Pipe()
	go func() {
		a.Write(buf.Bytes())
		a.Close()
	}()
	var got []uint64
	ep := newEndpoint(b, 0)
	ep.readLoop(func(r Record) { got = append(got, r.Num) }, func(error) {})
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func attached(t *testing.T, srv *Server, n int, sid int64) *Client {
	a, b := net.Pipe()
	require.NoError(t, srv.Attach(n, a))
	cl, err := NewClient(b, sid)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	require.Eventually(t, func() bool { return srv.knows(n, sid) },
		time.Second, time.Millisecond)
	return cl
}

func waitFor(t *testing.T, ch Channel, n int) []Record {
	var recs []Record
	require.Eventually(t, func() bool {
		r, _ := ch.ReceiveAll()
		recs = append(recs, r...)
		return len(recs) >= n
	}, 2*time.Second, time.Millisecond)
	return recs
}

func TestServerReceivesInOrder(t *testing.T) {
	srv := NewServer(1, t.TempDir(), "svc", nil)
	defer srv.Close()
	cl := attached(t, srv, ChannelGeneral, 100)

	for i := 0; i < 10; i++ {
		require.NoError(t, cl.Send(AudienceAll, Message{Type: TypeStatus}))
	}
	recs := waitFor(t, srv.Channel(ChannelGeneral), 10)
	require.Len(t, recs, 10)
	for i := 1; i < len(recs); i++ {
		assert.Greater(t, recs[i].Num, recs[i-1].Num)
		assert.Equal(t, int64(100), recs[i].Sid)
	}

	recs, err := srv.Channel(ChannelGeneral).ReceiveAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSubChannelsAreSeparate(t *testing.T) {
	srv := NewServer(1, t.TempDir(), "svc", nil)
	defer srv.Close()
	c0 := attached(t, srv, ChannelGeneral, 100)
	c1 := attached(t, srv, ChannelStatus, 200)

	require.NoError(t, c0.Send(AudienceAll, Message{Type: TypeStatus}))
	require.NoError(t, c1.Send(AudienceAll, Message{Type: TypeStatusRequest}))

	r1 := waitFor(t, srv.Channel(ChannelStatus), 1)
	assert.Equal(t, TypeStatusRequest, r1[0].Msg.Type)
	r0 := waitFor(t, srv.Channel(ChannelGeneral), 1)
	assert.Equal(t, TypeStatus, r0[0].Msg.Type)
}

func TestServerRoutesByAudience(t *testing.T) {
	srv := NewServer(1, t.TempDir(), "svc", nil)
	defer srv.Close()
	a := attached(t, srv, ChannelStatus, 10)
	b := attached(t, srv, ChannelStatus, 20)

	ch := srv.Channel(ChannelStatus)
	require.NoError(t, ch.Send(Audience(20), Message{Type: TypeStatus, Message: "for b"}))
	require.NoError(t, ch.Send(AudienceAll, Message{Type: TypeStatus, Message: "for all"}))

	rb := waitFor(t, b, 2)
	assert.Equal(t, "for b", rb[0].Msg.Message)
	assert.Equal(t, "for all", rb[1].Msg.Message)
	assert.Equal(t, int64(1), rb[0].Sid)

	ra := waitFor(t, a, 1)
	assert.Len(t, ra, 1)
	assert.Equal(t, "for all", ra[0].Msg.Message)

	err := ch.Send(Audience(30), Message{Type: TypeStatus})
	assert.ErrorIs(t, err, ErrNoRecipient)
}

func TestServerDropsDisconnected(t *testing.T) {
	srv := NewServer(1, t.TempDir(), "svc", nil)
	defer srv.Close()
	cl := attached(t, srv, ChannelGeneral, 5)
	require.Eventually(t, func() bool { return srv.Connections(ChannelGeneral) == 1 },
		time.Second, time.Millisecond)
	cl.Close()
	require.Eventually(t, func() bool { return srv.Connections(ChannelGeneral) == 0 },
		time.Second, time.Millisecond)
	assert.NoError(t, srv.Channel(ChannelGeneral).Send(AudienceAll, Message{}))
}

func TestUnixSockets(t *testing.T) {
	dir := t.TempDir()
	srv := NewServer(1, dir, "svc", nil)
	require.NoError(t, srv.Listen())

	cl, err := Dial(dir, "svc", ChannelStatus, 77)
	require.NoError(t, err)
	defer cl.Close()

	require.NoError(t, cl.Send(Audience(1), Message{Type: TypeStatusRequest}))
	recs := waitFor(t, srv.Channel(ChannelStatus), 1)
	assert.Equal(t, int64(77), recs[0].Sid)

	require.NoError(t, srv.Channel(ChannelStatus).Send(Audience(77), Message{Type: TypeStatus}))
	reply := waitFor(t, cl, 1)
	assert.Equal(t, TypeStatus, reply[0].Msg.Type)

	require.NoError(t, srv.Close())
	assert.ErrorIs(t, srv.Close(), ErrClosed)
	_, err = Dial(dir, "svc", ChannelStatus, 78)
	assert.ErrorIs(t, err, ErrUnavailable)
}
