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

// Package ipc carries control and status records between a scheduler and
// the workers it supervises.  Records are JSON documents terminated by a
// single NUL byte, and travel over numbered sub-channels so that a status
// query never queues up behind general traffic.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

const (
	// ChannelGeneral carries worker status pushes and generic messages.
	ChannelGeneral = 0
	// ChannelStatus carries status requests and their replies.
	ChannelStatus = 1
	// NumChannels is the number of sub-channels a Server exposes.
	NumChannels = 2

	delimiter = byte(0)
)

var (
	ErrUnavailable = errors.New("IPC channel unavailable")
	ErrClosed      = errors.New("IPC channel closed")
	ErrNoRecipient = errors.New("No recipient for audience")
	ErrBadRecord   = errors.New("Malformed IPC record")
	ErrBadChannel  = errors.New("No such sub-channel")
)

// Audience is the recipient scope of a record: either every endpoint on the
// sub-channel, or the endpoint with a specific sender id.
type Audience int64

// AudienceAll addresses every endpoint.  On the wire it is the literal "all".
const AudienceAll Audience = -1

func (a Audience) MarshalJSON() ([]byte, error) {
	if a == AudienceAll {
		return []byte(`"all"`), nil
	}
	return []byte(strconv.FormatInt(int64(a), 10)), nil
}

func (a *Audience) UnmarshalJSON(b []byte) error {
	if string(b) == `"all"` {
		*a = AudienceAll
		return nil
	}
	v, e := strconv.ParseInt(string(b), 10, 64)
	if e != nil || v < 0 {
		return fmt.Errorf("%w: bad audience %s", ErrBadRecord, b)
	}
	*a = Audience(v)
	return nil
}

func (a Audience) String() string {
	if a == AudienceAll {
		return "all"
	}
	return strconv.FormatInt(int64(a), 10)
}

// MessageType discriminates payloads.  Applications may define their own
// types; anything other than the ones below is handed to the generic
// message handler on the receiving side.
type MessageType string

const (
	TypeStatus        MessageType = "STATUS"
	TypeStatusRequest MessageType = "STATUS_REQUEST"
	TypeLog           MessageType = "LOG"

	// typeHello registers the sender id of a fresh connection.  It is
	// consumed by the server and never delivered.
	typeHello MessageType = "HELLO"
)

// Extra is the body of a message.  The status fields are kept raw here so
// that the receiving side can validate them against its own types.
type Extra struct {
	UID             int64                  `json:"uid"`
	Logger          string                 `json:"logger,omitempty"`
	Status          json.RawMessage        `json:"status,omitempty"`
	ProcessStatus   json.RawMessage        `json:"process_status,omitempty"`
	SchedulerStatus json.RawMessage        `json:"scheduler_status,omitempty"`
	Fields          map[string]interface{} `json:"fields,omitempty"`
}

// Message is the payload carried in a record's msg field.
type Message struct {
	Type     MessageType `json:"type"`
	Priority string      `json:"priority"`
	Message  string      `json:"message"`
	Extra    Extra       `json:"extra"`
}

// Record is one framed unit on the wire.
type Record struct {
	Sid int64    `json:"sid"`
	Aud Audience `json:"aud"`
	Msg Message  `json:"msg"`
	Num uint64   `json:"num"`
}

// Encode serializes a record and appends the NUL delimiter.
func Encode(rec Record) ([]byte, error) {
	b, e := json.Marshal(rec)
	if e != nil {
		return nil, e
	}
	// encoding/json escapes control characters, so this cannot happen
	// unless a RawMessage smuggles one in.
	if bytes.IndexByte(b, delimiter) >= 0 {
		return nil, fmt.Errorf("%w: embedded NUL", ErrBadRecord)
	}
	return append(b, delimiter), nil
}

// Decode parses one record, with or without its trailing delimiter.
func Decode(b []byte) (Record, error) {
	var rec Record
	b = bytes.TrimSuffix(b, []byte{delimiter})
	if len(b) == 0 {
		return rec, fmt.Errorf("%w: empty", ErrBadRecord)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if e := dec.Decode(&rec); e != nil {
		return rec, fmt.Errorf("%w: %v", ErrBadRecord, e)
	}
	if dec.More() {
		return rec, fmt.Errorf("%w: trailing data", ErrBadRecord)
	}
	if e := unwrapFields(rec.Msg.Extra.Fields); e != nil {
		return rec, fmt.Errorf("%w: %v", ErrBadRecord, e)
	}
	if rec.Sid < 0 {
		return rec, fmt.Errorf("%w: negative sender id", ErrBadRecord)
	}
	return rec, nil
}

// unwrapFields replaces decoded numbers in place.  Integral values come
// back as int64, everything else as float64.
func unwrapFields(m map[string]interface{}) error {
	for k, v := range m {
		nv, e := unwrapValue(v)
		if e != nil {
			return e
		}
		m[k] = nv
	}
	return nil
}

func unwrapValue(v interface{}) (interface{}, error) {
	switch v := v.(type) {
	case json.Number:
		if i, e := v.Int64(); e == nil {
			return i, nil
		}
		return v.Float64()
	case map[string]interface{}:
		return v, unwrapFields(v)
	case []interface{}:
		for i := range v {
			nv, e := unwrapValue(v[i])
			if e != nil {
				return nil, e
			}
			v[i] = nv
		}
		return v, nil
	}
	return v, nil
}
