// Package uart is the byte-level link to a serial-attached sensor. Reads are
// bounded by a port read timeout so callers can poll and check for
// cancellation instead of blocking forever.
package uart

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real serial hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter extends SerialPorter with timeout capabilities.
// Ports that implement it have their read timeout applied on Open.
type TimeoutSerialPorter interface {
	SerialPorter
	// SetReadTimeout sets the read timeout for the serial port. A read that
	// times out returns 0 bytes and a nil error.
	SetReadTimeout(timeout time.Duration) error
}

// InputResetter is implemented by ports that can discard unread input.
type InputResetter interface {
	ResetInputBuffer() error
}

// Factory opens serial ports. Tests substitute MockFactory.
type Factory interface {
	// Open opens a serial port at the specified path with the given options.
	Open(path string, opts PortOptions) (SerialPorter, error)
}
