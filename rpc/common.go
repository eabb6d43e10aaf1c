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

// Package rpc is the read-only HTTP monitoring surface of a scheduler and
// a client for it.
package rpc

const (
	mimeJson = "application/json; charset=UTF-8"

	// PollEtagHeader asks the server to hold a request until the resource
	// no longer matches the given etag.
	PollEtagHeader = "X-Poolvisor-Poll-Etag"
	// PollTimeHeader bounds the hold, in seconds.
	PollTimeHeader = "X-Poolvisor-Poll-Time"

	// MaxPollTime is the longest the server will hold a request.
	MaxPollTime = 300
)

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
