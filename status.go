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
	"os"
	"time"

	"github.com/gdamore/poolvisor/ipc"
)

// StatusQueryOptions bounds a status query.  The zero value means the
// defaults: five attempts one millisecond apart, sent as this process.
type StatusQueryOptions struct {
	Attempts int
	Interval time.Duration
	SenderID int64
}

const (
	DefaultStatusAttempts = 5
	DefaultStatusInterval = time.Millisecond
)

func (o StatusQueryOptions) withDefaults() StatusQueryOptions {
	if o.Attempts <= 0 {
		o.Attempts = DefaultStatusAttempts
	}
	if o.Interval <= 0 {
		o.Interval = DefaultStatusInterval
	}
	if o.SenderID <= 0 {
		o.SenderID = int64(os.Getpid())
	}
	return o
}

// QueryStatus asks the scheduler for cfg for a snapshot, over the status
// sub-channel.  It gives up with ErrNoResponse once the attempts are
// exhausted.
func QueryStatus(ctx context.Context, cfg Config, opts StatusQueryOptions) (*Snapshot, error) {
	opts = opts.withDefaults()
	cl, e := ipc.Dial(cfg.IpcDirectory, cfg.ServiceName, ipc.ChannelStatus, opts.SenderID)
	if e != nil {
		if _, pe := ReadPidFile(cfg); pe != nil {
			return nil, fmt.Errorf("%w: %w", ErrSchedulerNotRunning, e)
		}
		return nil, e
	}
	defer cl.Close()
	return queryStatus(ctx, cl, opts)
}

func queryStatus(ctx context.Context, ch ipc.Channel, opts StatusQueryOptions) (*Snapshot, error) {
	req := ipc.Message{
		Type:     ipc.TypeStatusRequest,
		Priority: PriInfo.String(),
		Message:  "fetchStatus",
		Extra: ipc.Extra{
			UID:    opts.SenderID,
			Logger: "status",
		},
	}
	if e := ch.Send(ipc.AudienceAll, req); e != nil {
		return nil, e
	}

	for i := 0; ; i++ {
		recs, e := ch.ReceiveAll()
		for _, rec := range recs {
			if rec.Msg.Type != ipc.TypeStatus {
				continue
			}
			if snap, e := SnapshotFromRecord(rec); e == nil {
				return snap, nil
			}
		}
		if e != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoResponse, e)
		}
		if i+1 >= opts.Attempts {
			return nil, ErrNoResponse
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
}
