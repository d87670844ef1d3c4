// Package ublox adapts the generic socket core to the u-blox cellular
// family (SARA-class modems). It supplies the family's command strings and
// URC prefixes; all socket state, retries and chunking live in pkg/netdev.
package ublox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/atsock/api"
	"github.com/srediag/atsock/pkg/at"
	"github.com/srediag/atsock/pkg/netdev"
)

const (
	maxSockets = 7
	maxSegment = 1024

	protoTCP = 6
	protoUDP = 17

	writePrompt = '@'
)

// Config holds the per-command timeout bounds. Close and DNS are materially
// slower than reads and writes on real hardware: module-side teardown and
// resolution both stall for seconds.
type Config struct {
	CmdTimeout     time.Duration
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
	DNSTimeout     time.Duration
}

// DefaultConfig returns timeout bounds matching the SARA data sheets.
func DefaultConfig() *Config {
	return &Config{
		CmdTimeout:     10 * time.Second,
		ConnectTimeout: 20 * time.Second,
		CloseTimeout:   30 * time.Second,
		DNSTimeout:     70 * time.Second,
	}
}

// Module drives one u-blox modem over its AT channel.
type Module struct {
	conn *at.Conn
	conf *Config

	hex  bool
	sink func(api.Event)
}

var _ netdev.RadioModule = (*Module)(nil)

// New wires the adapter to an AT channel and registers the family's URC
// prefixes.
func New(conn *at.Conn, conf *Config) *Module {
	if conf == nil {
		conf = DefaultConfig()
	}
	m := &Module{conn: conn, conf: conf}
	m.subscribe()
	return m
}

// Lock acquires the channel's transaction lock.
func (m *Module) Lock() { m.conn.Lock() }

// Unlock releases the channel's transaction lock.
func (m *Module) Unlock() { m.conn.Unlock() }

// Notify registers the event sink.
func (m *Module) Notify(sink func(api.Event)) { m.sink = sink }

// Defer schedules fn on the channel's deferred-callback worker.
func (m *Module) Defer(fn func()) error { return m.conn.Defer(fn) }

// Caps reports the SARA family limits.
func (m *Module) Caps() netdev.Caps {
	return netdev.Caps{
		MaxSockets: maxSockets,
		MaxSegment: maxSegment,
		AsyncClose: true,
	}
}

// CreateSocket issues AT+USOCR and returns the module-assigned connection
// id from the +USOCR reply.
func (m *Module) CreateSocket(ctx context.Context, proto api.Protocol, localPort uint16) (int, error) {
	code := protoTCP
	if proto == api.UDP {
		code = protoUDP
	}
	cmd := fmt.Sprintf("AT+USOCR=%d", code)
	if localPort != 0 {
		cmd = fmt.Sprintf("AT+USOCR=%d,%d", code, localPort)
	}
	connID := -1
	err := m.conn.DoLocked(ctx, &at.Request{
		Cmd: cmd,
		OnLine: func(line string) error {
			if fields, ok := at.Args(line, "+USOCR:"); ok {
				if id, ok := at.Int(fields, 0); ok {
					connID = id
				}
			}
			return nil
		},
		Timeout: m.conf.CmdTimeout,
	})
	if err != nil {
		return -1, err
	}
	if connID < 0 {
		return -1, fmt.Errorf("create reply carried no connection id: %w", api.ErrDeviceError)
	}
	return connID, nil
}

// Connect issues AT+USOCO. The command blocks until the module completes
// the handshake.
func (m *Module) Connect(ctx context.Context, connID int, addr api.Addr) error {
	return m.conn.DoLocked(ctx, &at.Request{
		Cmd:     fmt.Sprintf("AT+USOCO=%d,\"%s\",%d", connID, addr.IP, addr.Port),
		Timeout: m.conf.ConnectTimeout,
	})
}

// Write issues AT+USOWR for one chunk. In binary mode the payload follows
// the @ prompt as raw bytes; in hex mode it rides inside the command as a
// quoted hex string. The module reports how many bytes it accepted.
func (m *Module) Write(ctx context.Context, connID int, p []byte) (int, error) {
	sent := -1
	onLine := func(line string) error {
		if fields, ok := at.Args(line, "+USOWR:"); ok {
			if n, ok := at.Int(fields, 1); ok {
				sent = n
			}
		}
		return nil
	}

	var req *at.Request
	if m.hex {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		fmt.Fprintf(buf, "AT+USOWR=%d,%d,\"", connID, len(p))
		netdev.AppendHex(buf, p)
		_ = buf.WriteByte('"')
		req = &at.Request{Cmd: buf.String(), OnLine: onLine, Timeout: m.conf.CmdTimeout}
	} else {
		req = &at.Request{
			Cmd:     fmt.Sprintf("AT+USOWR=%d,%d", connID, len(p)),
			Prompt:  writePrompt,
			Payload: p,
			OnLine:  onLine,
			Timeout: m.conf.CmdTimeout,
		}
	}
	if err := m.conn.DoLocked(ctx, req); err != nil {
		return 0, err
	}
	if sent < 0 {
		return 0, fmt.Errorf("write reply carried no byte count: %w", api.ErrDeviceError)
	}
	return sent, nil
}

// SendTo issues AT+USOST for one UDP datagram chunk.
func (m *Module) SendTo(ctx context.Context, connID int, addr api.Addr, p []byte) (int, error) {
	sent := -1
	onLine := func(line string) error {
		if fields, ok := at.Args(line, "+USOST:"); ok {
			if n, ok := at.Int(fields, 1); ok {
				sent = n
			}
		}
		return nil
	}

	var req *at.Request
	if m.hex {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		fmt.Fprintf(buf, "AT+USOST=%d,\"%s\",%d,%d,\"", connID, addr.IP, addr.Port, len(p))
		netdev.AppendHex(buf, p)
		_ = buf.WriteByte('"')
		req = &at.Request{Cmd: buf.String(), OnLine: onLine, Timeout: m.conf.CmdTimeout}
	} else {
		req = &at.Request{
			Cmd:     fmt.Sprintf("AT+USOST=%d,\"%s\",%d,%d", connID, addr.IP, addr.Port, len(p)),
			Prompt:  writePrompt,
			Payload: p,
			OnLine:  onLine,
			Timeout: m.conf.CmdTimeout,
		}
	}
	if err := m.conn.DoLocked(ctx, req); err != nil {
		return 0, err
	}
	if sent < 0 {
		return 0, fmt.Errorf("sendto reply carried no byte count: %w", api.ErrDeviceError)
	}
	return sent, nil
}

// Read issues AT+USORD. A zero-length request is the "how many bytes wait"
// probe. The data part of a real read is raw binary inside the quotes, so
// binary mode captures it mid-line off the opening quote.
func (m *Module) Read(ctx context.Context, connID int, p []byte) (int, int, error) {
	if len(p) == 0 {
		return m.probe(ctx, connID, "+USORD:", fmt.Sprintf("AT+USORD=%d,0", connID))
	}

	n := 0
	req := &at.Request{
		Cmd:     fmt.Sprintf("AT+USORD=%d,%d", connID, len(p)),
		Timeout: m.conf.CmdTimeout,
	}
	if m.hex {
		req.OnLine = func(line string) error {
			fields, ok := at.Args(line, "+USORD:")
			if !ok || len(fields) < 3 {
				return nil
			}
			dn, err := netdev.DecodeHex(at.Unquote(fields[2]), p)
			if err != nil {
				return err
			}
			n = dn
			return nil
		}
	} else {
		captured := false
		req.TriggerByte = '"'
		req.RawTrigger = func(partial string) int {
			if captured {
				return 0
			}
			want, ok := readHeaderLen(partial, "+USORD:", 1)
			if !ok {
				return 0
			}
			captured = true
			return want
		}
		req.OnRaw = func(raw []byte) error {
			n = copy(p, raw)
			return nil
		}
	}
	if err := m.conn.DoLocked(ctx, req); err != nil {
		return 0, -1, err
	}
	return n, -1, nil
}

// ReadFrom issues AT+USORF and reports the datagram source.
func (m *Module) ReadFrom(ctx context.Context, connID int, p []byte) (int, int, api.Addr, error) {
	if len(p) == 0 {
		n, remaining, err := m.probe(ctx, connID, "+USORF:", fmt.Sprintf("AT+USORF=%d,0", connID))
		return n, remaining, api.Addr{}, err
	}

	n := 0
	var from api.Addr
	parseFrom := func(fields []string) {
		if len(fields) < 3 {
			return
		}
		port, ok := at.Int(fields, 2)
		if !ok {
			return
		}
		if a, err := api.AddrFrom(at.Unquote(fields[1]), uint16(port)); err == nil {
			from = a
		}
	}

	req := &at.Request{
		Cmd:     fmt.Sprintf("AT+USORF=%d,%d", connID, len(p)),
		Timeout: m.conf.CmdTimeout,
	}
	if m.hex {
		req.OnLine = func(line string) error {
			fields, ok := at.Args(line, "+USORF:")
			if !ok || len(fields) < 5 {
				return nil
			}
			parseFrom(fields)
			dn, err := netdev.DecodeHex(at.Unquote(fields[4]), p)
			if err != nil {
				return err
			}
			n = dn
			return nil
		}
	} else {
		captured := false
		req.TriggerByte = '"'
		req.RawTrigger = func(partial string) int {
			if captured {
				return 0
			}
			want, ok := readHeaderLen(partial, "+USORF:", 3)
			if !ok {
				return 0
			}
			captured = true
			return want
		}
		req.OnRaw = func(raw []byte) error {
			n = copy(p, raw)
			return nil
		}
		req.OnLine = func(line string) error {
			if fields, ok := at.Args(line, "+USORF:"); ok {
				parseFrom(fields)
			}
			return nil
		}
	}
	if err := m.conn.DoLocked(ctx, req); err != nil {
		return 0, -1, api.Addr{}, err
	}
	return n, -1, from, nil
}

// probe asks how many bytes wait without consuming any.
func (m *Module) probe(ctx context.Context, connID int, prefix, cmd string) (int, int, error) {
	avail := 0
	err := m.conn.DoLocked(ctx, &at.Request{
		Cmd: cmd,
		OnLine: func(line string) error {
			if fields, ok := at.Args(line, prefix); ok {
				if v, ok := at.Int(fields, 1); ok {
					avail = v
				}
			}
			return nil
		},
		Timeout: m.conf.CmdTimeout,
	})
	if err != nil {
		return 0, 0, err
	}
	return 0, avail, nil
}

// CloseSocket issues AT+USOCL. With async set the module answers OK at once
// and confirms teardown later through a +UUSOCL URC.
func (m *Module) CloseSocket(ctx context.Context, connID int, async bool) error {
	cmd := fmt.Sprintf("AT+USOCL=%d", connID)
	if async {
		cmd = fmt.Sprintf("AT+USOCL=%d,1", connID)
	}
	return m.conn.DoLocked(ctx, &at.Request{Cmd: cmd, Timeout: m.conf.CloseTimeout})
}

// SetOption issues AT+USOSO.
func (m *Module) SetOption(ctx context.Context, connID, level, name, value int) error {
	return m.conn.DoLocked(ctx, &at.Request{
		Cmd:     fmt.Sprintf("AT+USOSO=%d,%d,%d,%d", connID, level, name, value),
		Timeout: m.conf.CmdTimeout,
	})
}

// GetOption issues AT+USOGO.
func (m *Module) GetOption(ctx context.Context, connID, level, name int) (int, error) {
	value := 0
	got := false
	err := m.conn.DoLocked(ctx, &at.Request{
		Cmd: fmt.Sprintf("AT+USOGO=%d,%d,%d", connID, level, name),
		OnLine: func(line string) error {
			if fields, ok := at.Args(line, "+USOGO:"); ok && len(fields) > 0 {
				if v, ok := at.Int(fields, len(fields)-1); ok {
					value = v
					got = true
				}
			}
			return nil
		},
		Timeout: m.conf.CmdTimeout,
	})
	if err != nil {
		return 0, err
	}
	if !got {
		return 0, fmt.Errorf("option reply carried no value: %w", api.ErrDeviceError)
	}
	return value, nil
}

// DNSLookup issues AT+UDNSRN. Resolution can take the better part of a
// minute on a congested network, hence its own timeout.
func (m *Module) DNSLookup(ctx context.Context, host string) (api.Addr, error) {
	var addr api.Addr
	err := m.conn.DoLocked(ctx, &at.Request{
		Cmd: fmt.Sprintf("AT+UDNSRN=0,\"%s\"", host),
		OnLine: func(line string) error {
			if fields, ok := at.Args(line, "+UDNSRN:"); ok && len(fields) > 0 {
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

// SetHexMode issues AT+UDCONF=1. In hex mode every payload byte crosses the
// channel as two hex characters, for module variants that cannot pass
// arbitrary 8-bit values in a quoted string.
func (m *Module) SetHexMode(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if err := m.conn.DoLocked(ctx, &at.Request{
		Cmd:     fmt.Sprintf("AT+UDCONF=1,%d", v),
		Timeout: m.conf.CmdTimeout,
	}); err != nil {
		return err
	}
	m.hex = on
	return nil
}

// readHeaderLen parses the byte count out of a partial read-response header
// ending at the opening quote of the data part, e.g. `+USORD: 0,5,"`.
// lenField is the index of the count among the header fields.
func readHeaderLen(partial, prefix string, lenField int) (int, bool) {
	if !strings.HasSuffix(partial, ",\"") {
		return 0, false
	}
	fields, ok := at.Args(strings.TrimSuffix(partial, ",\""), prefix)
	if !ok {
		return 0, false
	}
	n, ok := at.Int(fields, lenField)
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}
