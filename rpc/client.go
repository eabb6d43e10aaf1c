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

package rpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/poolvisor"
)

type LogInfo struct {
	etag    string
	Records []poolvisor.LogRecord
}

// Client talks to a Handler.  It caches the last status and log so that
// unchanged resources cost only a 304.
type Client struct {
	base   string
	client *http.Client

	status *poolvisor.Snapshot
	stag   string
	log    *LogInfo
	lock   sync.Mutex
}

// poll issues a GET against url, optionally conditional on etag, and
// optionally as a long poll holding for up to wait seconds until the value
// changes.  The new etag is returned; if the value did not change the etag
// is "" and the error nil.
func (c *Client) poll(ctx context.Context, url string, etag string, wait int, v interface{}) (string, error) {
	req, e := http.NewRequestWithContext(ctx, "GET", url, nil)
	if e != nil {
		return "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if wait > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(wait))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", &Error{Code: res.StatusCode, Message: res.Status}
	}
	body, e := io.ReadAll(res.Body)
	if e != nil {
		return "", e
	}
	if e := json.Unmarshal(body, v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

// Status fetches the scheduler snapshot.
func (c *Client) Status(ctx context.Context) (*poolvisor.Snapshot, error) {
	c.lock.Lock()
	otag, old := c.stag, c.status
	c.lock.Unlock()

	snap := &poolvisor.Snapshot{}
	etag, e := c.poll(ctx, c.base+"/status", otag, 0, snap)
	if e != nil {
		return nil, e
	}
	if etag == "" && old != nil {
		return old, nil
	}
	c.lock.Lock()
	c.status, c.stag = snap, etag
	c.lock.Unlock()
	return snap, nil
}

func (c *Client) Workers(ctx context.Context) ([]poolvisor.WorkerState, error) {
	var v []poolvisor.WorkerState
	if _, e := c.poll(ctx, c.base+"/workers", "", 0, &v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) Worker(ctx context.Context, id poolvisor.WorkerID) (*poolvisor.WorkerState, error) {
	v := &poolvisor.WorkerState{}
	url := c.base + "/workers/" + strconv.FormatInt(int64(id), 10)
	if _, e := c.poll(ctx, url, "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) pollLog(ctx context.Context, secs int, last *LogInfo) (*LogInfo, error) {
	c.lock.Lock()
	cached := c.log
	c.lock.Unlock()

	otag := ""
	if last == nil {
		secs = 0
	} else if cached != nil && last.etag != cached.etag {
		// The cache moved on since the caller looked.
		return cached, nil
	} else {
		otag = last.etag
	}

	v := &LogInfo{}
	etag, e := c.poll(ctx, c.base+"/log", otag, secs, &v.Records)
	if e != nil {
		c.lock.Lock()
		c.log = nil
		c.lock.Unlock()
		return nil, e
	}
	if etag == "" {
		return last, nil
	}
	v.etag = etag
	c.lock.Lock()
	c.log = v
	c.lock.Unlock()
	return v, nil
}

// GetLog returns the retained log without waiting.
func (c *Client) GetLog(ctx context.Context) (*LogInfo, error) {
	return c.pollLog(ctx, 0, nil)
}

// WatchLog waits until the log differs from last, for up to MaxPollTime.
func (c *Client) WatchLog(ctx context.Context, last *LogInfo) (*LogInfo, error) {
	return c.pollLog(ctx, MaxPollTime, last)
}

// NewClient returns a Client for the server at baseURI.  The transport may
// be nil to use a default one.
func NewClient(t http.RoundTripper, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base: strings.TrimRight(baseURI, "/"),
		client: &http.Client{
			Transport: t,
			Timeout:   (MaxPollTime + 10) * time.Second,
		},
	}
}
