//go:build linux

package serial

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Port is an open UART (Linux implementation).
type Port struct {
	f *os.File
}

var baudFlags = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// Open opens the device node and puts the line in raw 8N1 mode. Reads block
// until at least one byte arrives, which is what the channel's byte-wise
// reader wants.
func Open(opts Options) (*Port, error) {
	baud := opts.Baud
	if baud == 0 {
		baud = 115200
	}
	flag, ok := baudFlags[baud]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", baud)
	}

	fd, err := unix.Open(opts.Path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}

	t := unix.Termios{
		Cflag: unix.CREAD | unix.CLOCAL | unix.CS8 | flag,
	}
	t.Ispeed = flag
	t.Ospeed = flag
	// VMIN=1/VTIME=0: block for the first byte, return what is buffered.
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &t); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tcsetattr %s: %w", opts.Path, err)
	}
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tcflush %s: %w", opts.Path, err)
	}

	return &Port{f: os.NewFile(uintptr(fd), opts.Path)}, nil
}

func (p *Port) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.f.Write(b) }

// Close closes the device node. An in-flight blocking read fails.
func (p *Port) Close() error { return p.f.Close() }
