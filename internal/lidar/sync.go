package lidar

import (
	"context"
	"fmt"

	"github.com/banshee-data/sweeplidar/internal/timeutil"
)

// ByteReader is the read side of a serial link. Read returns nil and a nil
// error when the port read times out.
type ByteReader interface {
	Read(max int) ([]byte, error)
}

// PacketSynchronizer extracts one candidate frame from the byte stream.
type PacketSynchronizer interface {
	Next(ctx context.Context) ([]byte, error)
}

// syncer holds what both synchronizers share: the reader, the retry bounds
// and a running count of discarded noise bytes.
type syncer struct {
	r         ByteReader
	opts      Options
	onDiscard func(n int)
}

func (s *syncer) discard(n int) {
	if n > 0 && s.onDiscard != nil {
		s.onDiscard(n)
	}
}

// backoff waits after an empty read.
func (s *syncer) backoff(ctx context.Context) error {
	return timeutil.Sleep(ctx, s.opts.Clock, s.opts.RetryBackoff)
}

// readFull fills buf, retrying empty reads up to ReadRetryLimit consecutive
// times. It returns the number of bytes collected; the caller turns a short
// count into a length error.
func (s *syncer) readFull(ctx context.Context, buf []byte) (int, error) {
	n, empty := 0, 0
	for n < len(buf) {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		b, err := s.r.Read(len(buf) - n)
		if err != nil {
			return n, fmt.Errorf("read frame body: %w", err)
		}
		if len(b) == 0 {
			empty++
			if empty >= s.opts.ReadRetryLimit {
				return n, nil
			}
			if err := s.backoff(ctx); err != nil {
				return n, err
			}
			continue
		}
		empty = 0
		n += copy(buf[n:], b)
	}
	return n, nil
}

// FixedSynchronizer finds 0xFA-led 42-byte frames.
type FixedSynchronizer struct {
	syncer
}

// NewFixedSynchronizer returns a synchronizer reading from r. onDiscard, if
// not nil, is told how many noise bytes each search skipped.
func NewFixedSynchronizer(r ByteReader, opts Options, onDiscard func(n int)) *FixedSynchronizer {
	opts.Protocol = ProtocolFixed
	return &FixedSynchronizer{syncer{r: r, opts: opts.withDefaults(), onDiscard: onDiscard}}
}

// Next scans for the sync byte and returns a complete frame. Each noise
// byte and each empty read counts as one attempt. Once SyncRetryLimit
// attempts are spent it fails with ErrNoData, or ErrWiringFault when the
// first noise byte was the 0xFC sentinel of a miswired unit.
func (s *FixedSynchronizer) Next(ctx context.Context) ([]byte, error) {
	var first byte
	noise, attempts := 0, 0
	defer func() { s.discard(noise) }()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempts >= s.opts.SyncRetryLimit {
			if noise > 0 && first == WiringFaultByte {
				e := byteError(ErrWiringFault, ProtocolFixed, first)
				e.Attempts = attempts
				return nil, e
			}
			return nil, &FrameError{Kind: ErrNoData, Protocol: ProtocolFixed, Angle: -1, Attempts: attempts}
		}

		b, err := s.r.Read(1)
		if err != nil {
			return nil, fmt.Errorf("read sync byte: %w", err)
		}
		if len(b) == 0 {
			attempts++
			if err := s.backoff(ctx); err != nil {
				return nil, err
			}
			continue
		}

		if b[0] == FixedSyncByte {
			frame := make([]byte, FixedFrameSize)
			frame[0] = FixedSyncByte
			n, err := s.readFull(ctx, frame[1:])
			if err != nil {
				return nil, err
			}
			if n != FixedFrameSize-1 {
				return nil, lengthMismatch(ProtocolFixed, FixedFrameSize, n+1)
			}
			if noise > 0 {
				tracef("fixed sync after %d noise bytes", noise)
			}
			return frame, nil
		}

		if noise == 0 {
			first = b[0]
		}
		noise++
		attempts++
	}
}

// VariableSynchronizer finds AA AA AA AA-led, length-prefixed frames.
type VariableSynchronizer struct {
	syncer
}

// NewVariableSynchronizer returns a synchronizer reading from r.
func NewVariableSynchronizer(r ByteReader, opts Options, onDiscard func(n int)) *VariableSynchronizer {
	opts.Protocol = ProtocolVariable
	return &VariableSynchronizer{syncer{r: r, opts: opts.withDefaults(), onDiscard: onDiscard}}
}

// Next scans for four consecutive 0xAA bytes, then reads the header and the
// declared payload plus checksum. Spending SyncRetryLimit attempts fails with
// ErrSyncTimeout; a body that stops arriving fails with ErrLengthMismatch.
func (s *VariableSynchronizer) Next(ctx context.Context) ([]byte, error) {
	noise, attempts, run := 0, 0, 0
	defer func() { s.discard(noise) }()

	for run < VariableSyncLen {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempts >= s.opts.SyncRetryLimit {
			return nil, &FrameError{Kind: ErrSyncTimeout, Protocol: ProtocolVariable, Angle: -1, Attempts: attempts}
		}

		b, err := s.r.Read(1)
		if err != nil {
			return nil, fmt.Errorf("read sync byte: %w", err)
		}
		if len(b) == 0 {
			attempts++
			if err := s.backoff(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if b[0] == VariableSyncByte {
			run++
			continue
		}
		noise += run + 1
		run = 0
		attempts++
	}

	const prefix = VariableSyncLen + VariableHeaderSize
	head := make([]byte, prefix)
	copy(head, variableSync)
	n, err := s.readFull(ctx, head[VariableSyncLen:])
	if err != nil {
		return nil, err
	}
	if n != VariableHeaderSize {
		return nil, lengthMismatch(ProtocolVariable, prefix, VariableSyncLen+n)
	}

	hdr := ParseVariableHeader(head[VariableSyncLen:])
	if int(hdr.Length) > MaxVariablePayload {
		return nil, lengthMismatch(ProtocolVariable, MaxVariablePayload, int(hdr.Length))
	}

	rest := int(hdr.Length) + 1
	frame := make([]byte, prefix+rest)
	copy(frame, head)
	n, err = s.readFull(ctx, frame[prefix:])
	if err != nil {
		return nil, err
	}
	if n != rest {
		return nil, lengthMismatch(ProtocolVariable, rest, n)
	}
	return frame, nil
}
