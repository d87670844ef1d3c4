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

package ublox

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/atsock/api"
	"github.com/srediag/atsock/pkg/at"
	"github.com/srediag/atsock/pkg/netdev"
)

// fakeModem scripts the modem side of a net.Pipe.
type fakeModem struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func newTestModule(t *testing.T) (*Module, *fakeModem) {
	host, far := net.Pipe()
	conf := at.DefaultConfig()
	conf.ResponseTimeout = 2 * time.Second
	conf.PromptGuard = time.Millisecond
	conn, err := at.New(host, conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = far.Close()
	})
	return New(conn, nil), &fakeModem{t: t, conn: far, br: bufio.NewReader(far)}
}

func (m *fakeModem) expect(cmd string) {
	line, err := m.br.ReadString('\r')
	assert.NoError(m.t, err)
	assert.Equal(m.t, cmd, strings.TrimSuffix(line, "\r"))
}

func (m *fakeModem) reply(lines ...string) {
	for _, l := range lines {
		_, err := m.conn.Write([]byte(l + "\r\n"))
		assert.NoError(m.t, err)
	}
}

func (m *fakeModem) raw(p []byte) {
	_, err := m.conn.Write(p)
	assert.NoError(m.t, err)
}

func (m *fakeModem) read(n int) []byte {
	p := make([]byte, n)
	_, err := io.ReadFull(m.br, p)
	assert.NoError(m.t, err)
	return p
}

// locked runs one adapter operation the way the device core does: with the
// transaction lock held.
func locked[T any](mod *Module, fn func() (T, error)) (T, error) {
	mod.Lock()
	defer mod.Unlock()
	return fn()
}

func mustAddr(t *testing.T, ip string, port uint16) api.Addr {
	a, err := api.AddrFrom(ip, port)
	require.NoError(t, err)
	return a
}

func TestCreateSocketTCP(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+USOCR=6")
		m.reply("+USOCR: 2", "OK")
	}()
	id, err := locked(mod, func() (int, error) {
		return mod.CreateSocket(context.Background(), api.TCP, 0)
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, id)
}

func TestCreateSocketUDPWithLocalPort(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+USOCR=17,5000")
		m.reply("+USOCR: 0", "OK")
	}()
	id, err := locked(mod, func() (int, error) {
		return mod.CreateSocket(context.Background(), api.UDP, 5000)
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, id)
}

func TestConnectCommand(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+USOCO=0,\"10.0.0.1\",80")
		m.reply("OK")
	}()
	_, err := locked(mod, func() (struct{}, error) {
		return struct{}{}, mod.Connect(context.Background(), 0, mustAddr(t, "10.0.0.1", 80))
	})
	assert.NoError(t, err)
}

func TestWriteBinaryPrompt(t *testing.T) {
	mod, m := newTestModule(t)
	payload := []byte("hello")
	go func() {
		m.expect("AT+USOWR=0,5")
		m.raw([]byte("@"))
		assert.Equal(m.t, payload, m.read(5))
		m.reply("", "+USOWR: 0,5", "OK")
	}()
	n, err := locked(mod, func() (int, error) {
		return mod.Write(context.Background(), 0, payload)
	})
	assert.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestWriteHexMode(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+UDCONF=1,1")
		m.reply("OK")
		m.expect("AT+USOWR=0,3,\"61000A\"")
		m.reply("+USOWR: 0,3", "OK")
	}()
	_, err := locked(mod, func() (struct{}, error) {
		return struct{}{}, mod.SetHexMode(context.Background(), true)
	})
	require.NoError(t, err)
	n, err := locked(mod, func() (int, error) {
		return mod.Write(context.Background(), 0, []byte{0x61, 0x00, 0x0a})
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)
}

// The data part of a binary read is raw bytes between quotes; CR and LF
// inside it must survive.
func TestReadBinary(t *testing.T) {
	mod, m := newTestModule(t)
	payload := []byte("a\r\nb\x00")
	go func() {
		m.expect("AT+USORD=0,5")
		m.raw([]byte("+USORD: 0,5,\""))
		m.raw(payload)
		m.reply("\"", "OK")
	}()
	buf := make([]byte, 5)
	n, err := locked(mod, func() (int, error) {
		n, _, err := mod.Read(context.Background(), 0, buf)
		return n, err
	})
	assert.NoError(t, err)
	assert.Equal(t, payload, buf[:n])
}

func TestReadHexMode(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+UDCONF=1,1")
		m.reply("OK")
		m.expect("AT+USORD=0,4")
		m.reply("+USORD: 0,4,\"70696E67\"", "OK")
	}()
	_, err := locked(mod, func() (struct{}, error) {
		return struct{}{}, mod.SetHexMode(context.Background(), true)
	})
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err := locked(mod, func() (int, error) {
		n, _, err := mod.Read(context.Background(), 0, buf)
		return n, err
	})
	assert.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestReadProbe(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+USORD=0,0")
		m.reply("+USORD: 0,42", "OK")
	}()
	remaining, err := locked(mod, func() (int, error) {
		_, remaining, err := mod.Read(context.Background(), 0, nil)
		return remaining, err
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, remaining)
}

func TestReadFromBinary(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+USORF=1,4")
		m.raw([]byte("+USORF: 1,\"10.0.0.2\",9000,4,\""))
		m.raw([]byte("pong"))
		m.reply("\"", "OK")
	}()
	buf := make([]byte, 4)
	type result struct {
		n    int
		from api.Addr
	}
	res, err := locked(mod, func() (result, error) {
		n, _, from, err := mod.ReadFrom(context.Background(), 1, buf)
		return result{n: n, from: from}, err
	})
	assert.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:res.n]))
	assert.Equal(t, mustAddr(t, "10.0.0.2", 9000), res.from)
}

func TestSendToCommand(t *testing.T) {
	mod, m := newTestModule(t)
	payload := []byte("ping")
	go func() {
		m.expect("AT+USOST=1,\"10.0.0.2\",9000,4")
		m.raw([]byte("@"))
		assert.Equal(m.t, payload, m.read(4))
		m.reply("", "+USOST: 1,4", "OK")
	}()
	n, err := locked(mod, func() (int, error) {
		return mod.SendTo(context.Background(), 1, mustAddr(t, "10.0.0.2", 9000), payload)
	})
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCloseSocketForms(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+USOCL=2")
		m.reply("OK")
		m.expect("AT+USOCL=2,1")
		m.reply("OK")
	}()
	_, err := locked(mod, func() (struct{}, error) {
		return struct{}{}, mod.CloseSocket(context.Background(), 2, false)
	})
	assert.NoError(t, err)
	_, err = locked(mod, func() (struct{}, error) {
		return struct{}{}, mod.CloseSocket(context.Background(), 2, true)
	})
	assert.NoError(t, err)
}

func TestDNSLookup(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+UDNSRN=0,\"example.com\"")
		m.reply("+UDNSRN: \"93.184.216.34\"", "OK")
	}()
	addr, err := locked(mod, func() (api.Addr, error) {
		return mod.DNSLookup(context.Background(), "example.com")
	})
	assert.NoError(t, err)
	assert.Equal(t, "93.184.216.34", addr.IP.String())
}

func TestOptions(t *testing.T) {
	mod, m := newTestModule(t)
	go func() {
		m.expect("AT+USOSO=0,65535,8,1")
		m.reply("OK")
		m.expect("AT+USOGO=0,65535,8")
		m.reply("+USOGO: 65535,8,1", "OK")
	}()
	_, err := locked(mod, func() (struct{}, error) {
		return struct{}{}, mod.SetOption(context.Background(), 0, 65535, 8, 1)
	})
	assert.NoError(t, err)
	v, err := locked(mod, func() (int, error) {
		return mod.GetOption(context.Background(), 0, 65535, 8)
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestUnsolicitedEvents(t *testing.T) {
	mod, m := newTestModule(t)
	events := make(chan api.Event, 4)
	mod.Notify(func(ev api.Event) { events <- ev })

	m.reply("+UUSORD: 3,16", "+UUSORF: 1,4", "+UUSOCL: 3")

	want := []api.Event{
		{Kind: api.EventDataAvailable, ConnID: 3, Avail: 16},
		{Kind: api.EventDataAvailable, ConnID: 1, Avail: 4},
		{Kind: api.EventClosed, ConnID: 3},
	}
	for _, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, w, ev)
		case <-time.After(time.Second):
			t.Fatalf("event %+v never arrived", w)
		}
	}
}

// UDP round trip through the device core without connecting: sendto a named
// peer, datagram announced by URC, recvfrom reports the source.
func TestDeviceUDPEndToEnd(t *testing.T) {
	mod, m := newTestModule(t)
	dev, err := netdev.New(mod, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.expect("AT+USOCR=17")
		m.reply("+USOCR: 1", "OK")
		m.expect("AT+USOST=1,\"10.0.0.2\",9000,4")
		m.raw([]byte("@"))
		got := m.read(4)
		assert.Equal(m.t, "ping", string(got))
		m.reply("", "+USOST: 1,4", "OK")
		m.reply("+UUSORF: 1,4")
		for {
			line, err := m.br.ReadString('\r')
			assert.NoError(m.t, err)
			cmd := strings.TrimSuffix(line, "\r")
			if cmd == "AT+USORD=1,0" {
				m.reply("+USORD: 1,0", "OK")
				continue
			}
			assert.Equal(m.t, "AT+USORF=1,4", cmd)
			break
		}
		m.raw([]byte("+USORF: 1,\"10.0.0.2\",9000,4,\""))
		m.raw([]byte("pong"))
		m.reply("\"", "OK")
		m.expect("AT+USOCL=1")
		m.reply("OK")
	}()

	h, err := dev.Create(api.UDP)
	require.NoError(t, err)
	peer := mustAddr(t, "10.0.0.2", 9000)

	n, err := dev.SendTo(h, peer, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 16)
	var from api.Addr
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, from, err = dev.RecvFrom(h, buf)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, api.ErrWouldBlock)
		require.True(t, time.Now().Before(deadline), "datagram never became readable")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "pong", string(buf[:n]))
	assert.Equal(t, peer, from)

	require.NoError(t, dev.Close(h))
	wg.Wait()
}

// Full round trip through the device core: create, connect, write, data
// notification, read, close.
func TestDeviceEndToEnd(t *testing.T) {
	mod, m := newTestModule(t)
	dev, err := netdev.New(mod, nil)
	require.NoError(t, err)

	sentence := "The quick brown fox jumps over the lazy dog and then naps in the warm sun"
	size := strconv.Itoa(len(sentence))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.expect("AT+USOCR=6")
		m.reply("+USOCR: 0", "OK")
		m.expect("AT+USOCO=0,\"93.184.216.34\",4242")
		m.reply("OK")
		m.expect("AT+USOWR=0," + size)
		m.raw([]byte("@"))
		got := m.read(len(sentence))
		assert.Equal(m.t, sentence, string(got))
		m.reply("", "+USOWR: 0,"+size, "OK")
		// The peer echoes; the modem announces it.
		m.reply("+UUSORD: 0," + size)
		// The host may probe before the announcement is dispatched.
		for {
			line, err := m.br.ReadString('\r')
			assert.NoError(m.t, err)
			cmd := strings.TrimSuffix(line, "\r")
			if cmd == "AT+USORD=0,0" {
				m.reply("+USORD: 0,0", "OK")
				continue
			}
			assert.Equal(m.t, "AT+USORD=0,"+size, cmd)
			break
		}
		m.raw([]byte("+USORD: 0," + size + ",\""))
		m.raw(got)
		m.reply("\"", "OK")
		m.expect("AT+USOCL=0")
		m.reply("OK")
	}()

	h, err := dev.Create(api.TCP)
	require.NoError(t, err)
	require.NoError(t, dev.Connect(h, mustAddr(t, "93.184.216.34", 4242)))

	n, err := dev.Write(h, []byte(sentence))
	require.NoError(t, err)
	require.Equal(t, len(sentence), n)

	buf := make([]byte, 128)
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err = dev.Read(h, buf)
		if err == nil {
			break
		}
		require.ErrorIs(t, err, api.ErrWouldBlock)
		require.True(t, time.Now().Before(deadline), "echo never became readable")
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, sentence, string(buf[:n]))

	require.NoError(t, dev.Close(h))
	wg.Wait()
}
