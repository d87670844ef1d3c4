// Package serial contains platform-specific helpers for opening the UART
// the radio module is attached to.
package serial

// Options defines how the port is opened.
type Options struct {
	// Path is the device node, e.g. /dev/ttyUSB0.
	Path string
	// Baud is the line rate. Zero selects 115200.
	Baud int
}

// Function implementations are provided in platform-specific files (e.g., port_linux.go).
