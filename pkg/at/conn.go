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

// Package at implements the serialized command/response channel between the
// host and an attached radio module. Exactly one transaction is in flight at
// a time per Conn; unsolicited result codes (URCs) arriving outside or in
// the middle of a transaction are routed to subscribers on a dispatcher
// goroutine, and user-registered callbacks only ever run on a deferred
// worker pool, never on the reader or dispatcher goroutine.
package at

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/atsock/api"
)

// NotifyFunc consumes one unsolicited notification. raw is non-nil only for
// subscriptions that armed mid-line capture. It runs on the dispatcher
// goroutine with the transaction lock held, so it may mutate state shared
// with command handling but must not issue commands itself.
type NotifyFunc func(line string, raw []byte)

// Request describes one command/response transaction.
type Request struct {
	// Cmd is the command line, written with a trailing CR.
	Cmd string
	// Prompt, when nonzero, is the byte the module emits once it is ready
	// to accept Payload as raw bytes. Line scanning is suspended for the
	// transfer and resumed afterwards.
	Prompt  byte
	Payload []byte
	// OnLine consumes an informational response line. A returned error
	// fails the transaction.
	OnLine func(line string) error
	// TriggerByte and RawTrigger arm mid-line raw capture for responses
	// that embed binary payload: each time TriggerByte is assembled,
	// RawTrigger sees the partial line and a positive return makes the
	// engine read exactly that many raw bytes and hand them to OnRaw
	// before line scanning resumes.
	TriggerByte byte
	RawTrigger  func(partial string) (rawN int)
	// OnRaw consumes a captured raw payload.
	OnRaw func(p []byte) error
	// Timeout overrides Config.ResponseTimeout. Close and DNS commands
	// use materially longer bounds than ordinary reads and writes.
	Timeout time.Duration
}

// DeviceError is returned when the module answers a final failure result.
type DeviceError struct {
	Line string
}

func (e *DeviceError) Error() string {
	return "module reported error: " + e.Line
}

func (e *DeviceError) Unwrap() error { return api.ErrDeviceError }

type transaction struct {
	req      *Request
	promptCh chan struct{}
	doneCh   chan error
	finished bool
	// payloadSent guards the prompt handshake: some firmwares answer OK
	// before raising the prompt, and that OK must not end the
	// transaction. Guarded by txMu.
	payloadSent bool
}

type notification struct {
	line string
	raw  []byte
	fn   NotifyFunc
}

type subscription struct {
	match       func(line string) bool
	triggerByte byte
	rawTrigger  func(partial string) int
	fn          NotifyFunc
}

// Conn multiplexes one textual command/response channel. It owns the single
// transaction lock the whole socket layer is serialized on.
type Conn struct {
	conf *Config
	rwc  io.ReadWriteCloser
	br   *bufio.Reader

	// mu is the transaction lock: held for the full duration of every
	// command/response exchange and by the dispatcher while a
	// notification handler runs.
	mu sync.Mutex

	txMu sync.Mutex
	tx   *transaction

	subMu sync.RWMutex
	subs  []subscription

	notifyQ *queuepkg.Queue
	deferQ  *queuepkg.Queue
	pool    *ants.Pool

	txCounter metric.Int64Counter

	closed     int32
	readerDone chan struct{}
}

// New wraps rwc (a serial port, usually) in a transaction engine and starts
// its reader and dispatcher goroutines.
func New(rwc io.ReadWriteCloser, conf *Config) (*Conn, error) {
	if conf == nil {
		conf = DefaultConfig()
	}
	if err := VerifyConfig(conf); err != nil {
		return nil, err
	}
	if conf.LogOutput != nil {
		internalLogger.out = conf.LogOutput
		wireLogger.out = conf.LogOutput
	}
	pool, err := ants.NewPool(conf.CallbackWorkers)
	if err != nil {
		return nil, fmt.Errorf("create callback pool: %w", err)
	}
	c := &Conn{
		conf:       conf,
		rwc:        rwc,
		br:         bufio.NewReader(rwc),
		notifyQ:    queuepkg.New(conf.NotifyQueueCap),
		deferQ:     queuepkg.New(conf.NotifyQueueCap),
		pool:       pool,
		readerDone: make(chan struct{}),
	}
	if conf.Meter != nil {
		c.txCounter, err = conf.Meter.Int64Counter("atsock.at.transactions")
		if err != nil {
			internalLogger.warnf("create otel counter: %v", err)
		}
	}
	go c.readLoop()
	go c.dispatchLoop()
	go c.deferLoop()
	return c, nil
}

// Lock acquires the transaction lock. Callers that must keep their own
// state consistent with in-flight command handling hold it across DoLocked
// calls.
func (c *Conn) Lock() { c.mu.Lock() }

// Unlock releases the transaction lock.
func (c *Conn) Unlock() { c.mu.Unlock() }

// Do runs one transaction under the transaction lock.
func (c *Conn) Do(ctx context.Context, req *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DoLocked(ctx, req)
}

// DoLocked runs one transaction. The caller must hold the transaction lock.
// Once the command is issued there is no cancellation: the call returns
// when the module answers or the timeout fires.
func (c *Conn) DoLocked(ctx context.Context, req *Request) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return api.ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var span trace.Span
	if c.conf.Tracer != nil {
		ctx, span = c.conf.Tracer.Start(ctx, "at.exec",
			trace.WithAttributes(attribute.String("at.cmd", cmdVerb(req.Cmd))))
		defer span.End()
	}
	transactionsTotal.Inc()
	if c.txCounter != nil {
		c.txCounter.Add(ctx, 1)
	}

	err := c.exec(req)
	if err != nil {
		transactionErrors.Inc()
		if span != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return err
}

func (c *Conn) exec(req *Request) error {
	tx := &transaction{
		req:      req,
		promptCh: make(chan struct{}, 1),
		doneCh:   make(chan error, 1),
	}
	c.txMu.Lock()
	c.tx = tx
	c.txMu.Unlock()
	defer c.detach(tx)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.conf.ResponseTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if debugMode {
		wireLogger.tracef("--> %s", req.Cmd)
	}
	if err := c.write([]byte(req.Cmd + "\r")); err != nil {
		return err
	}

	if req.Prompt != 0 {
		prompt := time.NewTimer(c.conf.PromptTimeout)
		defer prompt.Stop()
		select {
		case <-tx.promptCh:
			// Modules need a short guard after the prompt before they
			// reliably latch raw bytes.
			time.Sleep(c.conf.PromptGuard)
			c.txMu.Lock()
			tx.payloadSent = true
			c.txMu.Unlock()
			if debugMode {
				wireLogger.tracef("--> %d raw bytes", len(req.Payload))
			}
			if err := c.write(req.Payload); err != nil {
				return err
			}
		case err := <-tx.doneCh:
			// The module may answer a result (usually ERROR) instead of
			// the prompt.
			return err
		case <-prompt.C:
			return fmt.Errorf("awaiting prompt %q: %w", req.Prompt, api.ErrTimeout)
		}
	}

	select {
	case err := <-tx.doneCh:
		return err
	case <-deadline.C:
		return fmt.Errorf("awaiting reply to %s: %w", cmdVerb(req.Cmd), api.ErrTimeout)
	}
}

func (c *Conn) write(p []byte) error {
	if _, err := c.rwc.Write(p); err != nil {
		return fmt.Errorf("channel write: %w", err)
	}
	return nil
}

// detach removes tx as the current transaction so late lines are dropped
// instead of being delivered to a caller that already returned.
func (c *Conn) detach(tx *transaction) {
	c.txMu.Lock()
	if c.tx == tx {
		c.tx = nil
	}
	c.txMu.Unlock()
}

func (c *Conn) payloadSent(tx *transaction) bool {
	c.txMu.Lock()
	sent := tx.payloadSent
	c.txMu.Unlock()
	return sent
}

func (c *Conn) currentTx() *transaction {
	c.txMu.Lock()
	tx := c.tx
	c.txMu.Unlock()
	return tx
}

func (c *Conn) finish(tx *transaction, err error) {
	c.txMu.Lock()
	if c.tx == tx && !tx.finished {
		tx.finished = true
		c.tx = nil
		tx.doneCh <- err
	}
	c.txMu.Unlock()
}

// Subscribe registers fn for unsolicited lines starting with prefix.
func (c *Conn) Subscribe(prefix string, fn NotifyFunc) {
	c.SubscribeFunc(func(line string) bool {
		return strings.HasPrefix(line, prefix)
	}, fn)
}

// SubscribeFunc registers fn for unsolicited lines accepted by match. Used
// by families whose notifications carry a connection id before the verb.
func (c *Conn) SubscribeFunc(match func(line string) bool, fn NotifyFunc) {
	c.subMu.Lock()
	c.subs = append(c.subs, subscription{match: match, fn: fn})
	c.subMu.Unlock()
}

// SubscribeRaw registers a notification that embeds binary payload mid-line
// (no terminator before the data). Each time trigger is assembled,
// rawTrigger sees the partial line; a positive return captures that many
// raw bytes and delivers partial+payload to fn.
func (c *Conn) SubscribeRaw(trigger byte, rawTrigger func(partial string) int, fn NotifyFunc) {
	c.subMu.Lock()
	c.subs = append(c.subs, subscription{
		triggerByte: trigger,
		rawTrigger:  rawTrigger,
		fn:          fn,
	})
	c.subMu.Unlock()
}

// Defer schedules fn on the callback pool. All user-registered callbacks go
// through here so they never run on the reader or dispatcher goroutine,
// and may themselves issue socket operations without deadlocking. The
// hand-off queue keeps Defer itself non-blocking: the dispatcher calls it
// with the transaction lock held, and a running callback may be waiting on
// that same lock.
func (c *Conn) Defer(fn func()) error {
	if atomic.LoadInt32(&c.closed) != 0 {
		return api.ErrClosed
	}
	return c.deferQ.Put(fn)
}

func (c *Conn) deferLoop() {
	for {
		items, err := c.deferQ.Get(1)
		if err != nil || len(items) == 0 {
			return
		}
		fn, ok := items[0].(func())
		if !ok {
			continue
		}
		if err := c.pool.Submit(fn); err != nil {
			internalLogger.warnf("deferred callback rejected: %v", err)
		}
	}
}

// Close tears the channel down. The in-flight transaction, if any, fails
// with ErrClosed.
func (c *Conn) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	err := c.rwc.Close()
	if tx := c.currentTx(); tx != nil {
		c.finish(tx, api.ErrClosed)
	}
	c.notifyQ.Dispose()
	c.deferQ.Dispose()
	c.pool.Release()
	<-c.readerDone
	return err
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for {
		b, err := c.br.ReadByte()
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 0 {
				internalLogger.errorf("channel read: %v", err)
				if tx := c.currentTx(); tx != nil {
					c.finish(tx, fmt.Errorf("channel read: %w", err))
				}
			}
			return
		}
		if b == '\r' || b == '\n' {
			if buf.Len() == 0 {
				continue
			}
			line := string(buf.Bytes())
			buf.Reset()
			c.routeLine(line)
			continue
		}
		tx := c.currentTx()
		if tx != nil && tx.req.Prompt != 0 && buf.Len() == 0 && b == tx.req.Prompt {
			select {
			case tx.promptCh <- struct{}{}:
			default:
			}
			continue
		}
		if buf.Len() >= c.conf.LineMax {
			internalLogger.errorf("response line exceeds %d bytes, discarding", c.conf.LineMax)
			buf.Reset()
			continue
		}
		_ = buf.WriteByte(b)

		// Mid-line raw capture: binary payload follows the trigger byte
		// with no terminator in between, so normal end-of-response
		// detection is suspended for exactly the announced length.
		if tx != nil && tx.req.RawTrigger != nil && b == tx.req.TriggerByte {
			if n := tx.req.RawTrigger(string(buf.Bytes())); n > 0 {
				raw, rerr := c.readRaw(n)
				if rerr != nil {
					c.finish(tx, rerr)
					return
				}
				if tx.req.OnRaw != nil {
					if err := tx.req.OnRaw(raw); err != nil {
						c.finish(tx, err)
					}
				}
			}
			continue
		}
		if sub, n := c.matchRawSub(b, buf); n > 0 {
			raw, rerr := c.readRaw(n)
			if rerr != nil {
				return
			}
			if err := c.notifyQ.Put(notification{line: string(buf.Bytes()), raw: raw, fn: sub.fn}); err != nil {
				notificationsDropped.Inc()
			}
			buf.Reset()
		}
	}
}

func (c *Conn) matchRawSub(b byte, buf *bytebufferpool.ByteBuffer) (*subscription, int) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for i := range c.subs {
		sub := &c.subs[i]
		if sub.rawTrigger == nil || sub.triggerByte != b {
			continue
		}
		if n := sub.rawTrigger(string(buf.Bytes())); n > 0 {
			return sub, n
		}
	}
	return nil, 0
}

func (c *Conn) readRaw(n int) ([]byte, error) {
	raw := make([]byte, n)
	if _, err := io.ReadFull(c.br, raw); err != nil {
		internalLogger.errorf("raw read of %d bytes: %v", n, err)
		return nil, fmt.Errorf("raw read of %d bytes: %w", n, err)
	}
	if debugMode {
		wireLogger.tracef("<-- %d raw bytes", n)
	}
	return raw, nil
}

func (c *Conn) routeLine(line string) {
	if debugMode {
		wireLogger.tracef("<-- %s", line)
	}
	c.subMu.RLock()
	for _, sub := range c.subs {
		if sub.match != nil && sub.match(line) {
			c.subMu.RUnlock()
			if err := c.notifyQ.Put(notification{line: line, fn: sub.fn}); err != nil {
				notificationsDropped.Inc()
			}
			return
		}
	}
	c.subMu.RUnlock()

	tx := c.currentTx()
	if tx == nil {
		notificationsDropped.Inc()
		internalLogger.debugf("dropping unmatched line: %s", line)
		return
	}

	switch {
	case isFinalOK(line):
		// With a prompt armed, firmwares that acknowledge the command
		// before raising the prompt send an OK that is not yet final.
		if tx.req.Prompt == 0 || c.payloadSent(tx) {
			c.finish(tx, nil)
		}
	case isFinalError(line):
		c.finish(tx, &DeviceError{Line: line})
	case tx.req.OnLine != nil:
		if err := tx.req.OnLine(line); err != nil {
			c.finish(tx, err)
		}
	default:
		// Informational line the caller did not ask for.
		internalLogger.debugf("ignoring response line: %s", line)
	}
}

func (c *Conn) dispatchLoop() {
	for {
		items, err := c.notifyQ.Get(1)
		if err != nil || len(items) == 0 {
			return
		}
		n, ok := items[0].(notification)
		if !ok {
			continue
		}
		notificationsTotal.Inc()
		c.mu.Lock()
		n.fn(n.line, n.raw)
		c.mu.Unlock()
	}
}

func isFinalOK(line string) bool {
	return line == "OK" || line == "SEND OK"
}

func isFinalError(line string) bool {
	switch {
	case line == "ERROR", line == "SEND FAIL", line == "ALREADY CONNECTED":
		return true
	case strings.HasPrefix(line, "+CME ERROR:"), strings.HasPrefix(line, "+CMS ERROR:"):
		return true
	}
	return false
}

func cmdVerb(cmd string) string {
	if i := strings.IndexByte(cmd, '='); i >= 0 {
		return cmd[:i]
	}
	if i := strings.IndexByte(cmd, '?'); i >= 0 {
		return cmd[:i]
	}
	return cmd
}
