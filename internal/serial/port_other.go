//go:build !linux

package serial

import "errors"

// Port is an open UART (stub for platforms without termios support here).
type Port struct{}

var errUnsupported = errors.New("serial: platform not supported")

// Open reports an error: only Linux hosts drive the UART directly.
func Open(Options) (*Port, error) { return nil, errUnsupported }

func (p *Port) Read([]byte) (int, error)  { return 0, errUnsupported }
func (p *Port) Write([]byte) (int, error) { return 0, errUnsupported }
func (p *Port) Close() error              { return nil }
