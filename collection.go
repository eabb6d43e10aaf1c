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

// WorkerCollection is a bounded, insertion ordered set of worker states.
// It is not safe for concurrent use; the scheduler only touches it from
// its control loop.
type WorkerCollection struct {
	max   int
	order []WorkerID
	items map[WorkerID]WorkerState
}

func NewWorkerCollection(max int) *WorkerCollection {
	return &WorkerCollection{
		max:   max,
		items: make(map[WorkerID]WorkerState),
	}
}

// Set stores the state for id.  Replacing an existing entry keeps its
// position.  Adding a new entry to a full collection fails with
// ErrCapacityExceeded and changes nothing.
func (c *WorkerCollection) Set(id WorkerID, s WorkerState) error {
	s.ID = id
	if _, ok := c.items[id]; ok {
		c.items[id] = s
		return nil
	}
	if len(c.items) >= c.max {
		return ErrCapacityExceeded
	}
	c.items[id] = s
	c.order = append(c.order, id)
	return nil
}

func (c *WorkerCollection) Get(id WorkerID) (WorkerState, bool) {
	s, ok := c.items[id]
	return s, ok
}

// Remove deletes id, reporting whether it was present.
func (c *WorkerCollection) Remove(id WorkerID) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	for i, x := range c.order {
		if x == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// All returns a copy of every state, in insertion order.
func (c *WorkerCollection) All() []WorkerState {
	rv := make([]WorkerState, 0, len(c.order))
	for _, id := range c.order {
		rv = append(rv, c.items[id])
	}
	return rv
}

func (c *WorkerCollection) IDs() []WorkerID {
	return append(make([]WorkerID, 0, len(c.order)), c.order...)
}

func (c *WorkerCollection) Count() int {
	return len(c.items)
}

func (c *WorkerCollection) Max() int {
	return c.max
}

// Available is the number of entries that can still be added.
func (c *WorkerCollection) Available() int {
	return c.max - len(c.items)
}

// CountCode counts the entries currently reporting code.
func (c *WorkerCollection) CountCode(code WorkerCode) int {
	n := 0
	for _, s := range c.items {
		if s.Code == code {
			n++
		}
	}
	return n
}

// Clone returns an independent copy.
func (c *WorkerCollection) Clone() *WorkerCollection {
	n := &WorkerCollection{
		max:   c.max,
		order: append(make([]WorkerID, 0, len(c.order)), c.order...),
		items: make(map[WorkerID]WorkerState, len(c.items)),
	}
	for k, v := range c.items {
		n.items[k] = v
	}
	return n
}
