package ublox

import (
	"github.com/srediag/atsock/api"
	"github.com/srediag/atsock/pkg/at"
)

// subscribe registers the family's unsolicited result codes. The modem
// announces incoming data and peer closes; everything else on the channel
// is a command response.
func (m *Module) subscribe() {
	m.conn.Subscribe("+UUSORD:", func(line string, _ []byte) {
		m.dataURC(line, "+UUSORD:")
	})
	m.conn.Subscribe("+UUSORF:", func(line string, _ []byte) {
		m.dataURC(line, "+UUSORF:")
	})
	m.conn.Subscribe("+UUSOCL:", func(line string, _ []byte) {
		fields, ok := at.Args(line, "+UUSOCL:")
		if !ok {
			return
		}
		id, ok := at.Int(fields, 0)
		if !ok {
			return
		}
		m.emit(api.Event{Kind: api.EventClosed, ConnID: id})
	})
}

// dataURC handles +UUSORD/+UUSORF: <connID>,<bytes waiting>.
func (m *Module) dataURC(line, prefix string) {
	fields, ok := at.Args(line, prefix)
	if !ok {
		return
	}
	id, ok := at.Int(fields, 0)
	if !ok {
		return
	}
	avail, ok := at.Int(fields, 1)
	if !ok {
		return
	}
	m.emit(api.Event{Kind: api.EventDataAvailable, ConnID: id, Avail: avail})
}

func (m *Module) emit(ev api.Event) {
	if m.sink != nil {
		m.sink(ev)
	}
}
