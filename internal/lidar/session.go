package lidar

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sweeplidar/internal/uart"
)

// Link is the serial handle a session owns.
type Link interface {
	ByteReader
	Write(p []byte) error
	ResetInput() error
	Close() error
}

// DeviceSession owns the serial link to one sensor for the lifetime of a
// scan. Components receive the session explicitly; nothing else holds the
// link.
type DeviceSession struct {
	ID       string
	Protocol Protocol
	Opts     Options

	link Link

	mu        sync.Mutex
	startedAt *time.Time
	running   bool
	closed    bool
}

// OpenSession opens path at the protocol's baud rate unless port overrides
// it, and returns a session owning the link.
func OpenSession(factory uart.Factory, path string, port uart.PortOptions, opts Options) (*DeviceSession, error) {
	opts = opts.withDefaults()
	if port.BaudRate == 0 {
		port.BaudRate = opts.Protocol.BaudRate()
	}
	link, err := uart.Open(factory, path, port)
	if err != nil {
		return nil, fmt.Errorf("open %s session on %s: %w", opts.Protocol, path, err)
	}
	s := NewSession(link, opts)
	diagf("session %s opened %s at %d baud", s.ID, path, port.BaudRate)
	return s, nil
}

// NewSession wraps an open link.
func NewSession(link Link, opts Options) *DeviceSession {
	opts = opts.withDefaults()
	return &DeviceSession{
		ID:       uuid.NewString(),
		Protocol: opts.Protocol,
		Opts:     opts,
		link:     link,
	}
}

// Link returns the session's serial link.
func (s *DeviceSession) Link() Link { return s.link }

// AngleOffset returns the configured mounting offset.
func (s *DeviceSession) AngleOffset() int { return s.Opts.AngleOffset }

// MarkStarted records the time the start command was sent.
func (s *DeviceSession) MarkStarted(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = &t
}

// StartedAt returns the recorded start time, if any.
func (s *DeviceSession) StartedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt == nil {
		return time.Time{}, false
	}
	return *s.startedAt, true
}

// ClearStart forgets the start time so the next update starts again.
func (s *DeviceSession) ClearStart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = nil
}

// SetRunning sets the running flag.
func (s *DeviceSession) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// Running reports whether the scan loop is producing.
func (s *DeviceSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Close releases the link. The session cannot be reused.
func (s *DeviceSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.running = false
	s.startedAt = nil
	s.mu.Unlock()
	diagf("session %s closed", s.ID)
	return s.link.Close()
}
