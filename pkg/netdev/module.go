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
	"context"
	"sync"

	"github.com/srediag/atsock/api"
)

// Caps describes what a radio family can express. The generic core adapts
// its own behavior around these instead of branching on concrete types.
type Caps struct {
	// MaxSockets is the module's maximum simultaneous connections; it
	// fixes the socket pool capacity.
	MaxSockets int
	// MaxSegment caps the payload of a single write or read command.
	MaxSegment int
	// AsyncClose: the module confirms closure through a later
	// notification when asked to.
	AsyncClose bool
	// AsyncConnect: connect completion itself arrives as a notification.
	AsyncConnect bool
	// InlineData: received payload arrives inside notifications; there is
	// no read command to issue.
	InlineData bool
}

// RadioModule is the family-specific half of the design: one thin adapter
// per radio family supplies the command strings and notification prefixes,
// the generic core owns socket state, retries, chunking and callbacks.
//
// The embedded Locker is the transport's transaction lock. Every other
// method must be called with that lock held; adapters issue their commands
// through the already-held lock and notification handlers run under it too.
type RadioModule interface {
	sync.Locker

	// Notify registers the sink that receives decoded notifications. The
	// adapter calls it with the transaction lock held.
	Notify(sink func(api.Event))

	// Defer schedules fn on the transport's deferred-callback worker.
	Defer(fn func()) error

	CreateSocket(ctx context.Context, proto api.Protocol, localPort uint16) (connID int, err error)
	Connect(ctx context.Context, connID int, addr api.Addr) error
	Write(ctx context.Context, connID int, p []byte) (int, error)
	SendTo(ctx context.Context, connID int, addr api.Addr, p []byte) (int, error)

	// Read fills p and reports (n, remaining). A nil or empty p is the
	// zero-length probe asking how many bytes wait. Families that do not
	// report a remaining count return remaining < 0.
	Read(ctx context.Context, connID int, p []byte) (n, remaining int, err error)
	ReadFrom(ctx context.Context, connID int, p []byte) (n, remaining int, addr api.Addr, err error)

	CloseSocket(ctx context.Context, connID int, async bool) error
	SetOption(ctx context.Context, connID, level, name, value int) error
	GetOption(ctx context.Context, connID, level, name int) (int, error)
	DNSLookup(ctx context.Context, host string) (api.Addr, error)
	SetHexMode(ctx context.Context, on bool) error

	Caps() Caps
}
