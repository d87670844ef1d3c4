// Package espat adapts the generic socket core to the Espressif ESP-AT
// firmware (ESP8266/ESP32 as a Wi-Fi co-processor). ESP-AT differs from the
// cellular family in shape: there is no create command, payload arrives
// inline inside the +IPD notification, and connect completion is announced
// by a "<id>,CONNECT" line ahead of the final OK.
package espat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/srediag/atsock/api"
	"github.com/srediag/atsock/pkg/at"
	"github.com/srediag/atsock/pkg/netdev"
)

const (
	maxLinks   = 5
	maxSegment = 2048

	sendPrompt = '>'
)

// Config holds the per-command timeout bounds.
type Config struct {
	CmdTimeout     time.Duration
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	CloseTimeout   time.Duration
	DNSTimeout     time.Duration
}

// DefaultConfig returns timeout bounds matching the ESP-AT manual.
func DefaultConfig() *Config {
	return &Config{
		CmdTimeout:     10 * time.Second,
		ConnectTimeout: 30 * time.Second,
		SendTimeout:    10 * time.Second,
		CloseTimeout:   10 * time.Second,
		DNSTimeout:     15 * time.Second,
	}
}

type link struct {
	used  bool
	proto api.Protocol
}

// Module drives one ESP-AT co-processor over its AT channel.
type Module struct {
	conn *at.Conn
	conf *Config

	sink  func(api.Event)
	links [maxLinks]link
}

var _ netdev.RadioModule = (*Module)(nil)

// New wires the adapter to an AT channel and registers the firmware's
// notification formats.
func New(conn *at.Conn, conf *Config) *Module {
	if conf == nil {
		conf = DefaultConfig()
	}
	m := &Module{conn: conn, conf: conf}
	m.subscribe()
	return m
}

// Init puts the firmware in multi-connection mode and suppresses the
// verbose +IPD remote-address suffix. Call once after the channel is up.
func (m *Module) Init(ctx context.Context) error {
	m.conn.Lock()
	defer m.conn.Unlock()
	for _, cmd := range []string{"AT", "ATE0", "AT+CIPMUX=1", "AT+CIPDINFO=0"} {
		if err := m.conn.DoLocked(ctx, &at.Request{Cmd: cmd, Timeout: m.conf.CmdTimeout}); err != nil {
			return err
		}
	}
	return nil
}

// Lock acquires the channel's transaction lock.
func (m *Module) Lock() { m.conn.Lock() }

// Unlock releases the channel's transaction lock.
func (m *Module) Unlock() { m.conn.Unlock() }

// Notify registers the event sink.
func (m *Module) Notify(sink func(api.Event)) { m.sink = sink }

// Defer schedules fn on the channel's deferred-callback worker.
func (m *Module) Defer(fn func()) error { return m.conn.Defer(fn) }

// Caps reports the ESP-AT limits. Payload rides inline in +IPD, so the core
// never issues explicit read commands against this family.
func (m *Module) Caps() netdev.Caps {
	return netdev.Caps{
		MaxSockets:   maxLinks,
		MaxSegment:   maxSegment,
		AsyncConnect: true,
		InlineData:   true,
	}
}

// CreateSocket allocates a link id. ESP-AT has no socket-creation command;
// the link comes into being at AT+CIPSTART, so creation only reserves the
// id and remembers the protocol for the connect.
func (m *Module) CreateSocket(_ context.Context, proto api.Protocol, localPort uint16) (int, error) {
	if localPort != 0 {
		return -1, fmt.Errorf("local port binding: %w", api.ErrNotSupported)
	}
	for id := range m.links {
		if !m.links[id].used {
			m.links[id] = link{used: true, proto: proto}
			return id, nil
		}
	}
	return -1, fmt.Errorf("all %d links in use: %w", maxLinks, api.ErrNoMemory)
}

// Connect issues AT+CIPSTART. The firmware prints "<id>,CONNECT" before the
// final OK; that line doubles as the connect-result notification.
func (m *Module) Connect(ctx context.Context, connID int, addr api.Addr) error {
	proto := "TCP"
	if connID >= 0 && connID < maxLinks && m.links[connID].proto == api.UDP {
		proto = "UDP"
	}
	return m.conn.DoLocked(ctx, &at.Request{
		Cmd:     fmt.Sprintf("AT+CIPSTART=%d,\"%s\",\"%s\",%d", connID, proto, addr.IP, addr.Port),
		Timeout: m.conf.ConnectTimeout,
	})
}

// Write issues AT+CIPSEND for one chunk. The firmware raises a '>' prompt,
// swallows exactly the announced byte count and answers SEND OK.
func (m *Module) Write(ctx context.Context, connID int, p []byte) (int, error) {
	err := m.conn.DoLocked(ctx, &at.Request{
		Cmd:     fmt.Sprintf("AT+CIPSEND=%d,%d", connID, len(p)),
		Prompt:  sendPrompt,
		Payload: p,
		Timeout: m.conf.SendTimeout,
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendTo issues the AT+CIPSEND form that names the datagram destination.
func (m *Module) SendTo(ctx context.Context, connID int, addr api.Addr, p []byte) (int, error) {
	err := m.conn.DoLocked(ctx, &at.Request{
		Cmd:     fmt.Sprintf("AT+CIPSEND=%d,%d,\"%s\",%d", connID, len(p), addr.IP, addr.Port),
		Prompt:  sendPrompt,
		Payload: p,
		Timeout: m.conf.SendTimeout,
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read never runs against this family; payload arrives inline in +IPD.
func (m *Module) Read(context.Context, int, []byte) (int, int, error) {
	return 0, 0, fmt.Errorf("explicit read on inline-data firmware: %w", api.ErrNotSupported)
}

// ReadFrom never runs against this family; payload arrives inline in +IPD.
func (m *Module) ReadFrom(context.Context, int, []byte) (int, int, api.Addr, error) {
	return 0, 0, api.Addr{}, fmt.Errorf("explicit read on inline-data firmware: %w", api.ErrNotSupported)
}

// CloseSocket issues AT+CIPCLOSE and releases the link id. The firmware has
// no deferred-close form, so async is ignored.
func (m *Module) CloseSocket(ctx context.Context, connID int, _ bool) error {
	err := m.conn.DoLocked(ctx, &at.Request{
		Cmd:     fmt.Sprintf("AT+CIPCLOSE=%d", connID),
		Timeout: m.conf.CloseTimeout,
	})
	if connID >= 0 && connID < maxLinks {
		m.links[connID] = link{}
	}
	return err
}

// SetOption is not expressible in ESP-AT.
func (m *Module) SetOption(context.Context, int, int, int, int) error {
	return fmt.Errorf("socket options: %w", api.ErrNotSupported)
}

// GetOption is not expressible in ESP-AT.
func (m *Module) GetOption(context.Context, int, int, int) (int, error) {
	return 0, fmt.Errorf("socket options: %w", api.ErrNotSupported)
}

// DNSLookup issues AT+CIPDOMAIN. Newer firmware quotes the address, older
// firmware does not; both parse the same way.
func (m *Module) DNSLookup(ctx context.Context, host string) (api.Addr, error) {
	var addr api.Addr
	err := m.conn.DoLocked(ctx, &at.Request{
		Cmd: fmt.Sprintf("AT+CIPDOMAIN=\"%s\"", host),
		OnLine: func(line string) error {
			if fields, ok := at.Args(line, "+CIPDOMAIN:"); ok && len(fields) > 0 {
				if a, perr := api.AddrFrom(at.Unquote(fields[0]), 0); perr == nil {
					addr = api.Addr{IP: a.IP}
				}
			}
			return nil
		},
		Timeout: m.conf.DNSTimeout,
	})
	if err != nil {
		return api.Addr{}, err
	}
	if !addr.IP.IsValid() {
		return api.Addr{}, fmt.Errorf("resolver reply carried no address: %w", api.ErrDeviceError)
	}
	return addr, nil
}

// SetHexMode is not expressible in ESP-AT; the channel is 8-bit clean.
func (m *Module) SetHexMode(context.Context, bool) error {
	return fmt.Errorf("hex payload mode: %w", api.ErrNotSupported)
}

// subscribe registers the firmware's notification formats. +IPD carries the
// payload inline after the colon, so it uses the channel's mid-line raw
// capture; link state changes arrive as bare "<id>,CONNECT"/"<id>,CLOSED"
// lines.
func (m *Module) subscribe() {
	m.conn.SubscribeRaw(':', ipdLen, func(line string, raw []byte) {
		id, ok := ipdConnID(line)
		if !ok {
			return
		}
		m.emit(api.Event{
			Kind:   api.EventDataAvailable,
			ConnID: id,
			Avail:  len(raw),
			Data:   raw,
		})
	})

	m.conn.SubscribeFunc(func(line string) bool {
		return linkState(line) != ""
	}, func(line string, _ []byte) {
		id, state := linkStateID(line)
		if id < 0 {
			return
		}
		switch state {
		case "CONNECT":
			m.emit(api.Event{Kind: api.EventConnectResult, ConnID: id, OK: true})
		case "CONNECT FAIL":
			m.emit(api.Event{Kind: api.EventConnectResult, ConnID: id, OK: false})
		case "CLOSED":
			m.emit(api.Event{Kind: api.EventClosed, ConnID: id})
		}
	})
}

func (m *Module) emit(ev api.Event) {
	if m.sink != nil {
		m.sink(ev)
	}
}

// ipdLen reports the payload length announced by a partial "+IPD,<id>,<n>:"
// header, or 0 when the partial line is something else.
func ipdLen(partial string) int {
	if !strings.HasPrefix(partial, "+IPD,") || !strings.HasSuffix(partial, ":") {
		return 0
	}
	body := strings.TrimSuffix(strings.TrimPrefix(partial, "+IPD,"), ":")
	fields := strings.Split(body, ",")
	if len(fields) < 2 {
		return 0
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// ipdConnID extracts the link id from a completed +IPD header line.
func ipdConnID(line string) (int, bool) {
	if !strings.HasPrefix(line, "+IPD,") {
		return -1, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(line, "+IPD,"), ":")
	fields := strings.Split(body, ",")
	if len(fields) < 2 {
		return -1, false
	}
	id, err := strconv.Atoi(fields[0])
	if err != nil {
		return -1, false
	}
	return id, true
}

// linkState reports the state suffix of a "<id>,STATE" line, or "" when the
// line is not a link-state notification.
func linkState(line string) string {
	id, state := linkStateID(line)
	if id < 0 {
		return ""
	}
	return state
}

func linkStateID(line string) (int, string) {
	i := strings.IndexByte(line, ',')
	if i <= 0 {
		return -1, ""
	}
	id, err := strconv.Atoi(line[:i])
	if err != nil || id < 0 || id >= maxLinks {
		return -1, ""
	}
	switch state := line[i+1:]; state {
	case "CONNECT", "CLOSED", "CONNECT FAIL":
		return id, state
	}
	return -1, ""
}
