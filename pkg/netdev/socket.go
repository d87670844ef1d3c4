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

import "github.com/srediag/atsock/api"

type sockState int

const (
	stateFree sockState = iota
	stateAllocating
	stateConnecting
	stateConnected
	stateClosing
)

func (s sockState) String() string {
	switch s {
	case stateFree:
		return "FREE"
	case stateAllocating:
		return "ALLOCATING"
	case stateConnecting:
		return "CONNECTING"
	case stateConnected:
		return "CONNECTED"
	case stateClosing:
		return "CLOSING"
	default:
		return "Unknown"
	}
}

const noConnID = -1

// socket is one slot of the fixed pool. All fields are guarded by the
// transport's transaction lock; the event router mutates them from the
// dispatcher goroutine, which holds the same lock by construction.
type socket struct {
	idx   int
	gen   uint16
	state sockState
	proto api.Protocol

	connID int

	// pending is the unread byte count as last reported by the module.
	// The most recently applied update wins: a notification delivered
	// between a caller's probe and its decrement overwrites the caller's
	// figure, and the module's own numbers are authoritative either way.
	pending int

	remote     api.Addr
	localPort  uint16
	peerClosed bool

	// recvBuf holds payload for families that push data inside the
	// notification itself instead of holding it module-side.
	recvBuf  []byte
	recvAddr api.Addr

	dataCB       func(avail int)
	closedCB     func()
	asyncCloseCB func()

	// connectCh wakes a Connect call blocked on an asynchronous
	// connect-result notification.
	connectCh chan bool
}

func (s *socket) handle() api.Handle {
	return api.Handle(uint32(s.gen)<<16 | uint32(s.idx))
}

func (s *socket) reset() {
	s.state = stateFree
	s.proto = api.TCP
	s.connID = noConnID
	s.pending = 0
	s.remote = api.Addr{}
	s.localPort = 0
	s.peerClosed = false
	s.recvBuf = nil
	s.recvAddr = api.Addr{}
	s.dataCB = nil
	s.closedCB = nil
	s.asyncCloseCB = nil
	s.connectCh = nil
}
