/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package netdev

import (
	"fmt"
	"strconv"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/atsock/api"
)

// table is the fixed-capacity socket arena. Capacity matches the module's
// maximum simultaneous connections; exhaustion is recoverable, the pool
// never grows. The table itself is not locked: callers hold the transport's
// transaction lock for every mutation that must stay consistent with
// in-flight command handling.
type table struct {
	slots  []socket
	byConn cmap.ConcurrentMap[string, int]
}

func newTable(capacity int) *table {
	t := &table{
		slots:  make([]socket, capacity),
		byConn: cmap.New[int](),
	}
	for i := range t.slots {
		t.slots[i].idx = i
		t.slots[i].connID = noConnID
	}
	return t
}

// allocate claims the first FREE slot and bumps its generation so handles
// left over from the previous owner are rejected.
func (t *table) allocate() (*socket, error) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == stateFree {
			s.gen++
			s.state = stateAllocating
			socketsInUse.Inc()
			return s, nil
		}
	}
	return nil, fmt.Errorf("all %d sockets in use: %w", len(t.slots), api.ErrNoMemory)
}

// free releases the slot and its connection-id binding.
func (t *table) free(s *socket) {
	if s.state == stateFree {
		return
	}
	if s.connID != noConnID {
		t.byConn.Remove(connKey(s.connID))
	}
	s.reset()
	socketsInUse.Dec()
}

// get resolves an application handle, rejecting stale generations and freed
// slots.
func (t *table) get(h api.Handle) (*socket, error) {
	idx := int(h & 0xffff)
	gen := uint16(h >> 16)
	if idx >= len(t.slots) {
		return nil, api.ErrBadHandle
	}
	s := &t.slots[idx]
	if s.state == stateFree || s.gen != gen {
		return nil, api.ErrBadHandle
	}
	return s, nil
}

// bindConn records the module-assigned connection id. At most one live
// record may reference a given id per device.
func (t *table) bindConn(s *socket, connID int) error {
	if !t.byConn.SetIfAbsent(connKey(connID), s.idx) {
		return fmt.Errorf("connection id %d already bound: %w", connID, api.ErrInvalidParam)
	}
	s.connID = connID
	return nil
}

// byConnID resolves a module connection id, as carried by notifications.
func (t *table) byConnID(connID int) (*socket, bool) {
	idx, ok := t.byConn.Get(connKey(connID))
	if !ok {
		return nil, false
	}
	s := &t.slots[idx]
	if s.state == stateFree || s.connID != connID {
		return nil, false
	}
	return s, true
}

func (t *table) used() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].state != stateFree {
			n++
		}
	}
	return n
}

func connKey(connID int) string {
	return strconv.Itoa(connID)
}
