// Package api defines public API contracts for atsock.
package api

import "time"

// Protocol selects the transport protocol of a socket.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

// String returns a human-readable string representation of the protocol.
func (p Protocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return "Unknown"
	}
}

// Handle identifies a socket within one device. The low 16 bits index the
// fixed socket pool, the high bits carry a generation counter so a handle
// kept across a free/reuse cycle is rejected instead of aliasing the new
// owner.
type Handle uint32

// Netdever is the socket surface a device presents to application code.
// It mirrors the Berkeley socket calls the radio module can express: the
// module owns the real IP stack, this layer only multiplexes it.
type Netdever interface {
	Create(proto Protocol) (Handle, error)
	Connect(h Handle, addr Addr) error
	Write(h Handle, p []byte) (int, error)
	Read(h Handle, p []byte) (int, error)
	SendTo(h Handle, addr Addr, p []byte) (int, error)
	RecvFrom(h Handle, p []byte) (int, Addr, error)
	Close(h Handle) error
	CloseAsync(h Handle, done func()) error
	SetOption(h Handle, level, name, value int) error
	GetOption(h Handle, level, name int) (int, error)
	RegisterDataCallback(h Handle, fn func(avail int)) error
	RegisterClosedCallback(h Handle, fn func()) error
	GetHostByName(name string, timeout time.Duration) (Addr, error)
	SetNextLocalPort(port uint16)
	Cleanup()
}
