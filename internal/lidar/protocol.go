package lidar

import (
	"fmt"
	"strings"
	"time"
)

// Protocol names an on-wire framing protocol.
type Protocol string

const (
	// ProtocolFixed is the 42-byte, six-readings-per-frame protocol of the
	// long range unit.
	ProtocolFixed Protocol = "fixed"
	// ProtocolVariable is the length-prefixed, full-sweep protocol of the
	// short range unit.
	ProtocolVariable Protocol = "variable"
)

const (
	FixedBaudRate    = 230400
	VariableBaudRate = 921600

	FixedSlots    = 360
	VariableSlots = 160

	FixedSyncRetryLimit    = 100
	VariableSyncRetryLimit = 500

	// FixedWarmup is the spin-up time the fixed unit needs after start.
	FixedWarmup = 2 * time.Second

	DefaultReadRetryLimit = 20
	DefaultRetryBackoff   = 50 * time.Millisecond
)

// ParseProtocol accepts the protocol name in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolFixed:
		return ProtocolFixed, nil
	case ProtocolVariable:
		return ProtocolVariable, nil
	}
	return "", fmt.Errorf("unknown protocol %q: expected %q or %q", s, ProtocolFixed, ProtocolVariable)
}

// Slots returns the scan buffer size for the protocol.
func (p Protocol) Slots() int {
	if p == ProtocolVariable {
		return VariableSlots
	}
	return FixedSlots
}

// BaudRate returns the UART speed the sensor model uses.
func (p Protocol) BaudRate() int {
	if p == ProtocolVariable {
		return VariableBaudRate
	}
	return FixedBaudRate
}

func (p Protocol) String() string { return string(p) }
