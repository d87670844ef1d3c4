package api

// EventKind classifies the asynchronous notifications a radio module raises
// on its own initiative, outside the request/response pattern.
type EventKind int

const (
	// EventDataAvailable reports unread bytes waiting on a module socket.
	EventDataAvailable EventKind = iota
	// EventClosed reports that the peer (or the module) closed a socket.
	EventClosed
	// EventConnectResult reports completion of an asynchronous connect.
	EventConnectResult
)

// String returns a human-readable string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventDataAvailable:
		return "DataAvailable"
	case EventClosed:
		return "Closed"
	case EventConnectResult:
		return "ConnectResult"
	default:
		return "Unknown"
	}
}

// Event is one decoded unsolicited notification, already attributed to a
// module connection id by the family adapter.
type Event struct {
	Kind   EventKind
	ConnID int
	// Avail is the unread byte count for EventDataAvailable.
	Avail int
	// OK is the outcome for EventConnectResult.
	OK bool
	// Data carries inline payload for families that push data in the
	// notification itself rather than holding it module-side.
	Data []byte
	// From is the datagram source, when the family reports it inline.
	From Addr
}
