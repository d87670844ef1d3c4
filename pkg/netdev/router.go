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

// handleEvent is the event router. The adapter invokes it from the
// transport's notification dispatcher with the transaction lock held, so
// table mutation here is serialized against every command/response
// exchange. It never calls back into the public socket API: user callbacks
// are deferred onto the callback worker, both because the caller may be
// holding transport internals and because a callback may legally issue
// another socket operation.
//
// Notifications naming no live record are dropped; a malformed notification
// must never corrupt socket state.
func (d *Device) handleEvent(ev api.Event) {
	s, ok := d.tab.byConnID(ev.ConnID)
	if !ok {
		eventsDropped.Inc()
		return
	}

	switch ev.Kind {
	case api.EventDataAvailable:
		if ev.Data != nil {
			s.recvBuf = append(s.recvBuf, ev.Data...)
			s.pending = len(s.recvBuf)
			if ev.From.IsValid() {
				s.recvAddr = ev.From
			}
		} else {
			// Last write wins: this may overwrite a figure a reader is
			// about to decrement, and the next module report corrects it.
			s.pending = ev.Avail
		}
		if fn := s.dataCB; fn != nil && s.pending > 0 {
			avail := s.pending
			_ = d.mod.Defer(func() { fn(avail) })
		}

	case api.EventClosed:
		s.peerClosed = true
		if fn := s.asyncCloseCB; fn != nil {
			// Cleared before firing so the callback runs at most once
			// even if the module confirms closure twice.
			s.asyncCloseCB = nil
			_ = d.mod.Defer(fn)
			d.tab.free(s)
			return
		}
		if fn := s.closedCB; fn != nil {
			s.closedCB = nil
			_ = d.mod.Defer(fn)
			d.tab.free(s)
			return
		}
		if s.state == stateClosing {
			d.tab.free(s)
			return
		}
		// The owner registered no interest; the record stays so reads can
		// drain and report ErrClosed, and Cleanup reclaims the slot.

	case api.EventConnectResult:
		if ch := s.connectCh; ch != nil {
			s.connectCh = nil
			select {
			case ch <- ev.OK:
			default:
			}
		}

	default:
		eventsDropped.Inc()
	}
}
