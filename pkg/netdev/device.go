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

// Package netdev multiplexes a BSD-socket-like API onto a radio module that
// owns the real TCP/IP stack. One generic command translator and event
// router pair runs over the RadioModule trait; family adapters supply the
// command strings and notification prefixes.
package netdev

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srediag/atsock/api"
)

// Device presents the socket surface for one attached radio module.
type Device struct {
	mod  RadioModule
	conf *Config
	caps Caps
	tab  *table

	hexMode bool

	// nextLocalPort is a one-shot override consumed by the next Create.
	nextLocalPort uint16
}

var _ api.Netdever = (*Device)(nil)

// New wires a generic device around the family adapter mod.
func New(mod RadioModule, conf *Config) (*Device, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	caps := mod.Caps()
	if caps.MaxSockets <= 0 || caps.MaxSegment <= 0 {
		return nil, fmt.Errorf("module reports unusable capabilities %+v: %w", caps, api.ErrInvalidParam)
	}
	d := &Device{
		mod:  mod,
		conf: conf,
		caps: caps,
		tab:  newTable(caps.MaxSockets),
	}
	mod.Notify(d.handleEvent)
	return d, nil
}

// Create allocates a socket slot and opens the module-side socket. A prior
// SetNextLocalPort is consumed here.
func (d *Device) Create(proto api.Protocol) (api.Handle, error) {
	d.mod.Lock()
	defer d.mod.Unlock()

	s, err := d.tab.allocate()
	if err != nil {
		return 0, err
	}
	s.proto = proto
	s.localPort = d.nextLocalPort
	d.nextLocalPort = 0

	connID, err := d.mod.CreateSocket(context.Background(), proto, s.localPort)
	if err != nil {
		d.tab.free(s)
		return 0, err
	}
	if err := d.tab.bindConn(s, connID); err != nil {
		// The id collides with a live record; give the module socket back
		// rather than leak it.
		_ = d.mod.CloseSocket(context.Background(), connID, false)
		d.tab.free(s)
		return 0, err
	}
	return s.handle(), nil
}

// Connect establishes the peer. The whole command is retried a small fixed
// number of times on a module-reported ERROR; on terminal failure the
// never-connected record is released. For UDP a connect to the remote the
// record is already bound to is a no-op success.
func (d *Device) Connect(h api.Handle, addr api.Addr) error {
	if !addr.IsValid() {
		return fmt.Errorf("connect to %s: %w", addr, api.ErrInvalidParam)
	}

	d.mod.Lock()
	s, err := d.tab.get(h)
	if err != nil {
		d.mod.Unlock()
		return err
	}
	switch s.state {
	case stateConnecting:
		d.mod.Unlock()
		return fmt.Errorf("connect already in progress: %w", api.ErrWouldBlock)
	case stateClosing:
		d.mod.Unlock()
		return api.ErrClosed
	case stateConnected:
		if s.proto == api.UDP && s.remote == addr {
			d.mod.Unlock()
			return nil
		}
		d.mod.Unlock()
		return fmt.Errorf("socket already connected to %s: %w", s.remote, api.ErrInvalidParam)
	}
	s.state = stateConnecting
	s.remote = addr
	connID := s.connID
	var resultCh chan bool
	if d.caps.AsyncConnect {
		resultCh = make(chan bool, 1)
		s.connectCh = resultCh
	}
	d.mod.Unlock()

	ctx := context.Background()
	err = retryConnect(func() error {
		d.mod.Lock()
		defer d.mod.Unlock()
		return d.mod.Connect(ctx, connID, addr)
	}, d.conf.ConnectAttempts, d.conf.ConnectBackoff)

	if err == nil && d.caps.AsyncConnect {
		t := time.NewTimer(d.conf.ConnectTimeout)
		select {
		case ok := <-resultCh:
			if !ok {
				err = fmt.Errorf("module rejected connection to %s: %w", addr, api.ErrDeviceError)
			}
		case <-t.C:
			err = fmt.Errorf("connect to %s: %w", addr, api.ErrTimeout)
		}
		t.Stop()
	}

	d.mod.Lock()
	defer d.mod.Unlock()
	s, gerr := d.tab.get(h)
	if gerr != nil {
		// Freed underneath us by a close notification.
		if err == nil {
			err = api.ErrClosed
		}
		return err
	}
	s.connectCh = nil
	if err == nil && s.peerClosed {
		err = fmt.Errorf("peer closed during connect: %w", api.ErrClosed)
	}
	if err != nil {
		// Never connected: the slot goes straight back to FREE, after the
		// module-side socket is released.
		_ = d.mod.CloseSocket(ctx, s.connID, false)
		d.tab.free(s)
		return err
	}
	s.state = stateConnected
	return nil
}

// Write sends p on a connected socket, chunked at the module's maximum
// segment size. The module may accept fewer bytes than offered; the loop
// continues from the new offset, with a cap on consecutive zero-byte
// acceptances so a wedged module cannot spin us forever.
func (d *Device) Write(h api.Handle, p []byte) (int, error) {
	d.mod.Lock()
	defer d.mod.Unlock()

	s, err := d.tab.get(h)
	if err != nil {
		return 0, err
	}
	if err := writableState(s); err != nil {
		return 0, err
	}

	ctx := context.Background()
	total, zero := 0, 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > d.caps.MaxSegment {
			chunk = d.caps.MaxSegment
		}
		n, werr := d.mod.Write(ctx, s.connID, p[total:total+chunk])
		if werr != nil {
			return total, werr
		}
		if n <= 0 {
			zero++
			if zero > d.conf.MaxZeroWrites {
				return total, fmt.Errorf("module accepted no bytes %d times in a row: %w", zero, api.ErrTimeout)
			}
			continue
		}
		if n < chunk {
			shortWritesTotal.Inc()
		}
		zero = 0
		total += n
	}
	return total, nil
}

// SendTo sends a UDP payload to addr without binding the socket to it.
func (d *Device) SendTo(h api.Handle, addr api.Addr, p []byte) (int, error) {
	if !addr.IsValid() {
		return 0, fmt.Errorf("sendto %s: %w", addr, api.ErrInvalidParam)
	}

	d.mod.Lock()
	defer d.mod.Unlock()

	s, err := d.tab.get(h)
	if err != nil {
		return 0, err
	}
	if s.proto != api.UDP {
		return 0, fmt.Errorf("sendto on a %s socket: %w", s.proto, api.ErrInvalidParam)
	}
	if s.state == stateClosing || s.peerClosed {
		return 0, api.ErrClosed
	}

	ctx := context.Background()
	total, zero := 0, 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > d.caps.MaxSegment {
			chunk = d.caps.MaxSegment
		}
		n, werr := d.mod.SendTo(ctx, s.connID, addr, p[total:total+chunk])
		if werr != nil {
			return total, werr
		}
		if n <= 0 {
			zero++
			if zero > d.conf.MaxZeroWrites {
				return total, fmt.Errorf("module accepted no bytes %d times in a row: %w", zero, api.ErrTimeout)
			}
			continue
		}
		if n < chunk {
			shortWritesTotal.Inc()
		}
		zero = 0
		total += n
	}
	return total, nil
}

// Read fills p with received bytes. When the locally tracked pending count
// is zero a zero-length probe asks the module first, because the router may
// not have observed a notification yet; if the module also reports nothing,
// the read would block.
func (d *Device) Read(h api.Handle, p []byte) (int, error) {
	d.mod.Lock()
	defer d.mod.Unlock()

	s, err := d.tab.get(h)
	if err != nil {
		return 0, err
	}
	if s.state == stateConnecting {
		return 0, fmt.Errorf("connect in progress: %w", api.ErrWouldBlock)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if d.caps.InlineData {
		n, _, err := d.drainInline(s, p)
		return n, err
	}
	return d.readModule(s, p)
}

// RecvFrom reads one datagram and reports its source.
func (d *Device) RecvFrom(h api.Handle, p []byte) (int, api.Addr, error) {
	d.mod.Lock()
	defer d.mod.Unlock()

	s, err := d.tab.get(h)
	if err != nil {
		return 0, api.Addr{}, err
	}
	if s.proto != api.UDP {
		return 0, api.Addr{}, fmt.Errorf("recvfrom on a %s socket: %w", s.proto, api.ErrInvalidParam)
	}
	if len(p) == 0 {
		return 0, api.Addr{}, nil
	}
	if d.caps.InlineData {
		return d.drainInline(s, p)
	}

	ctx := context.Background()
	if s.pending == 0 {
		_, remaining, perr := d.mod.Read(ctx, s.connID, nil)
		if perr != nil {
			return 0, api.Addr{}, perr
		}
		if remaining > 0 {
			s.pending = remaining
		}
		if s.pending == 0 {
			if s.peerClosed {
				return 0, api.Addr{}, api.ErrClosed
			}
			return 0, api.Addr{}, api.ErrWouldBlock
		}
	}
	want := minOf(s.pending, d.caps.MaxSegment, len(p))
	n, remaining, addr, rerr := d.mod.ReadFrom(ctx, s.connID, p[:want])
	if rerr != nil {
		return 0, api.Addr{}, rerr
	}
	d.applyPending(s, n, remaining)
	return n, addr, nil
}

func (d *Device) readModule(s *socket, p []byte) (int, error) {
	ctx := context.Background()
	if s.pending == 0 {
		_, remaining, perr := d.mod.Read(ctx, s.connID, nil)
		if perr != nil {
			return 0, perr
		}
		if remaining > 0 {
			s.pending = remaining
		}
		if s.pending == 0 {
			if s.peerClosed {
				return 0, api.ErrClosed
			}
			return 0, api.ErrWouldBlock
		}
	}
	want := minOf(s.pending, d.caps.MaxSegment, len(p))
	n, remaining, err := d.mod.Read(ctx, s.connID, p[:want])
	if err != nil {
		return 0, err
	}
	d.applyPending(s, n, remaining)
	return n, nil
}

// applyPending folds a read result into the pending counter. The module's
// own remaining figure, when reported, always overrides the local
// decrement; the decrement floors at zero.
func (d *Device) applyPending(s *socket, n, remaining int) {
	if remaining >= 0 {
		s.pending = remaining
		return
	}
	s.pending -= n
	if s.pending < 0 {
		s.pending = 0
	}
}

func (d *Device) drainInline(s *socket, p []byte) (int, api.Addr, error) {
	if len(s.recvBuf) == 0 {
		if s.peerClosed {
			return 0, api.Addr{}, api.ErrClosed
		}
		return 0, api.Addr{}, api.ErrWouldBlock
	}
	n := copy(p, s.recvBuf)
	s.recvBuf = s.recvBuf[n:]
	s.pending = len(s.recvBuf)
	return n, s.recvAddr, nil
}

// Close tears the socket down synchronously: the call blocks until the
// module's close command returns. Module-side teardown can be slow, which
// is why adapters run close with a longer timeout than reads and writes.
func (d *Device) Close(h api.Handle) error {
	d.mod.Lock()
	defer d.mod.Unlock()

	s, err := d.tab.get(h)
	if err != nil {
		return err
	}
	return d.closeLocked(s, nil)
}

// CloseAsync issues the close and returns without waiting for module-side
// teardown; done runs on the deferred-callback worker once the module
// confirms closure. Families without asynchronous confirmation fall back to
// a blocking close with done invoked synchronously from the current task.
func (d *Device) CloseAsync(h api.Handle, done func()) error {
	d.mod.Lock()
	defer d.mod.Unlock()

	s, err := d.tab.get(h)
	if err != nil {
		return err
	}
	if !d.caps.AsyncClose {
		return d.closeLocked(s, done)
	}

	s.state = stateClosing
	s.asyncCloseCB = done
	cerr := d.mod.CloseSocket(context.Background(), s.connID, true)
	if cerr == nil {
		// The router frees the slot and fires done when the close
		// notification arrives.
		return nil
	}
	s.asyncCloseCB = nil
	if errors.Is(cerr, api.ErrDeviceError) {
		// The module already considers the socket gone.
		d.tab.free(s)
		if done != nil {
			_ = d.mod.Defer(done)
		}
		return nil
	}
	return cerr
}

func (d *Device) closeLocked(s *socket, done func()) error {
	s.state = stateClosing
	err := d.mod.CloseSocket(context.Background(), s.connID, false)
	if err != nil && !errors.Is(err, api.ErrDeviceError) {
		// Likely a timeout: the command may still complete module-side.
		// Keep the record in CLOSING; Cleanup or a retry reclaims it.
		return err
	}
	// A module-reported ERROR on close means it already dropped the
	// socket; either way the slot is reclaimable now.
	if done != nil {
		done()
	}
	d.tab.free(s)
	return nil
}

// SetOption forwards a family-defined socket option.
func (d *Device) SetOption(h api.Handle, level, name, value int) error {
	d.mod.Lock()
	defer d.mod.Unlock()
	s, err := d.tab.get(h)
	if err != nil {
		return err
	}
	return d.mod.SetOption(context.Background(), s.connID, level, name, value)
}

// GetOption reads a family-defined socket option.
func (d *Device) GetOption(h api.Handle, level, name int) (int, error) {
	d.mod.Lock()
	defer d.mod.Unlock()
	s, err := d.tab.get(h)
	if err != nil {
		return 0, err
	}
	return d.mod.GetOption(context.Background(), s.connID, level, name)
}

// RegisterDataCallback registers fn to run (on the deferred-callback
// worker) whenever the module announces unread bytes. A nil fn clears it.
func (d *Device) RegisterDataCallback(h api.Handle, fn func(avail int)) error {
	d.mod.Lock()
	defer d.mod.Unlock()
	s, err := d.tab.get(h)
	if err != nil {
		return err
	}
	s.dataCB = fn
	return nil
}

// RegisterClosedCallback registers fn to run once when the peer closes the
// socket. It is cleared after firing. A nil fn clears it.
func (d *Device) RegisterClosedCallback(h api.Handle, fn func()) error {
	d.mod.Lock()
	defer d.mod.Unlock()
	s, err := d.tab.get(h)
	if err != nil {
		return err
	}
	s.closedCB = fn
	return nil
}

// GetHostByName resolves name through the module's resolver. Modules answer
// ERROR almost instantly when internally busy; inside the retry window that
// is transient and the lookup repeats with backoff. Past the window the
// failure is terminal and surfaces as host-unreachable. A non-positive
// timeout selects the configured default window.
func (d *Device) GetHostByName(name string, timeout time.Duration) (api.Addr, error) {
	if name == "" {
		return api.Addr{}, fmt.Errorf("empty hostname: %w", api.ErrInvalidParam)
	}
	window := timeout
	if window <= 0 {
		window = d.conf.DNSWindow
	}

	var addr api.Addr
	err := retryDNS(func() error {
		d.mod.Lock()
		defer d.mod.Unlock()
		a, lerr := d.mod.DNSLookup(context.Background(), name)
		if lerr == nil {
			addr = a
		}
		return lerr
	}, window, d.conf.DNSInitialInterval)
	if err != nil {
		if errors.Is(err, api.ErrDeviceError) {
			return api.Addr{}, fmt.Errorf("resolving %q: %w", name, api.ErrHostUnreachable)
		}
		return api.Addr{}, err
	}
	return addr, nil
}

// SetNextLocalPort stores a one-shot local port override consumed by the
// next Create.
func (d *Device) SetNextLocalPort(port uint16) {
	d.mod.Lock()
	d.nextLocalPort = port
	d.mod.Unlock()
}

// SetHexMode switches the channel's payload encoding for all sockets of
// this device.
func (d *Device) SetHexMode(on bool) error {
	d.mod.Lock()
	defer d.mod.Unlock()
	if err := d.mod.SetHexMode(context.Background(), on); err != nil {
		return err
	}
	d.hexMode = on
	return nil
}

// Cleanup reclaims slots whose peer already signalled closure but whose
// owner never called Close, so forgetting to poll does not leak the pool.
func (d *Device) Cleanup() {
	d.mod.Lock()
	defer d.mod.Unlock()
	for i := range d.tab.slots {
		s := &d.tab.slots[i]
		if s.state != stateFree && s.peerClosed {
			cleanupReclaimed.Inc()
			d.tab.free(s)
		}
	}
}

func writableState(s *socket) error {
	switch {
	case s.state == stateConnecting:
		return fmt.Errorf("connect in progress: %w", api.ErrWouldBlock)
	case s.state == stateClosing:
		return api.ErrClosed
	case s.peerClosed:
		return api.ErrClosed
	case s.state != stateConnected:
		return fmt.Errorf("socket not connected: %w", api.ErrInvalidParam)
	}
	return nil
}

func minOf(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
