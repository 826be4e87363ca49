package lidar

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the synchronizers and decoders wraps
// exactly one of these, so callers can match with errors.Is.
var (
	ErrNoData            = errors.New("no data from sensor")
	ErrSyncTimeout       = errors.New("sync pattern not found")
	ErrInvalidFrame      = errors.New("invalid frame")
	ErrWiringFault       = errors.New("wiring fault: make sure the PWM signal is wired up correctly")
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
	ErrLengthMismatch    = errors.New("frame length mismatch")
)

// FrameError carries the diagnostic detail of a failed sync or decode.
type FrameError struct {
	Kind     error
	Protocol Protocol

	// Angle is the base angle of a rejected fixed frame, or -1.
	Angle int
	// Byte is the offending byte when HasByte is set.
	Byte    byte
	HasByte bool
	// Attempts is the number of sync attempts spent.
	Attempts int
	// Want and Got are byte counts for length errors.
	Want int
	Got  int
}

func (e *FrameError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Protocol, e.Kind)
	switch {
	case errors.Is(e.Kind, ErrInvalidFrame) && e.Angle >= 0:
		msg += fmt.Sprintf(" (base angle %d)", e.Angle)
	case errors.Is(e.Kind, ErrLengthMismatch):
		msg += fmt.Sprintf(" (want %d bytes, got %d)", e.Want, e.Got)
	case e.HasByte:
		msg += fmt.Sprintf(" (byte %d / 0x%02X)", e.Byte, e.Byte)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg
}

func (e *FrameError) Unwrap() error { return e.Kind }

func invalidFrame(p Protocol, angle int) *FrameError {
	return &FrameError{Kind: ErrInvalidFrame, Protocol: p, Angle: angle}
}

func byteError(kind error, p Protocol, b byte) *FrameError {
	return &FrameError{Kind: kind, Protocol: p, Angle: -1, Byte: b, HasByte: true}
}

func lengthMismatch(p Protocol, want, got int) *FrameError {
	return &FrameError{Kind: ErrLengthMismatch, Protocol: p, Angle: -1, Want: want, Got: got}
}

// IsTransient reports whether err only affects the current frame. The frame
// is dropped and synchronization resumes.
func IsTransient(err error) bool {
	return errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrUnrecognizedFrame) ||
		errors.Is(err, ErrLengthMismatch)
}

// IsFatal reports whether err ends the scan loop. Sync bound exhaustion,
// wiring faults and link failures are fatal; cancellation is not an error.
func IsFatal(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// KindName returns a short label for err, used in metrics.
func KindName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrSyncTimeout):
		return "sync_timeout"
	case errors.Is(err, ErrInvalidFrame):
		return "invalid_frame"
	case errors.Is(err, ErrWiringFault):
		return "wiring_fault"
	case errors.Is(err, ErrUnrecognizedFrame):
		return "unrecognized_frame"
	case errors.Is(err, ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "link"
	}
}
