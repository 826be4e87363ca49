package uart

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrWriteFailed = fmt.Errorf("failed to write to serial port")
	ErrClosed      = errors.New("serial link closed")
)

// maxDrainReads bounds ResetInput on ports that cannot reset their buffers.
const maxDrainReads = 64

// Link is a byte-level handle on one serial port. It is owned by a single
// session and is not shared between producers.
type Link struct {
	path string
	port SerialPorter

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// Open opens path through factory and wraps it in a Link.
func Open(factory Factory, path string, opts PortOptions) (*Link, error) {
	if factory == nil {
		factory = SerialFactory{}
	}
	norm, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	port, err := factory.Open(path, norm)
	if err != nil {
		return nil, err
	}
	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(norm.ReadTimeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	return NewLink(path, port), nil
}

// NewLink wraps an already opened port.
func NewLink(path string, port SerialPorter) *Link {
	return &Link{path: path, port: port}
}

// Path returns the device path the link was opened on.
func (l *Link) Path() string { return l.path }

// Write writes the whole of p or fails.
func (l *Link) Write(p []byte) error {
	if l.isClosed() {
		return ErrClosed
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	n, err := l.port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return ErrWriteFailed
	}
	return nil
}

// Read reads at most max bytes. A read that times out without data returns
// nil and a nil error; callers decide whether to retry.
func (l *Link) Read(max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	if l.isClosed() {
		return nil, ErrClosed
	}
	buf := make([]byte, max)
	n, err := l.port.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		if l.isClosed() {
			return nil, ErrClosed
		}
		return nil, err
	}
	return nil, nil
}

// ResetInput discards any unread input.
func (l *Link) ResetInput() error {
	if r, ok := l.port.(InputResetter); ok {
		return r.ResetInputBuffer()
	}
	for i := 0; i < maxDrainReads; i++ {
		b, err := l.Read(256)
		if err != nil {
			return err
		}
		if len(b) == 0 {
			return nil
		}
	}
	return nil
}

// Close closes the underlying port. Further reads and writes fail with
// ErrClosed.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.port.Close()
}

func (l *Link) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
