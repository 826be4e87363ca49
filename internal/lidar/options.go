package lidar

import (
	"time"

	"github.com/banshee-data/sweeplidar/internal/timeutil"
)

// Options tunes a session and its synchronizer. Start from DefaultOptions.
type Options struct {
	Protocol Protocol

	// AngleOffset rotates fixed-protocol angles to the mounting direction.
	AngleOffset int

	// Warmup is the minimum delay between start and the first accepted frame.
	Warmup time.Duration

	// SyncRetryLimit bounds the sync pattern search. Exceeding it is fatal.
	SyncRetryLimit int

	// ReadRetryLimit bounds consecutive empty reads while completing a frame.
	ReadRetryLimit int

	// RetryBackoff is the pause after an empty read.
	RetryBackoff time.Duration

	// DeviceID addresses variable-protocol command frames.
	DeviceID byte

	// LenientChecksum accepts variable-protocol frames whose checksum does
	// not match. Off by default.
	LenientChecksum bool

	Clock timeutil.Clock
}

// DefaultOptions returns the settings the sensor model documents.
func DefaultOptions(p Protocol) Options {
	opts := Options{
		Protocol:       p,
		ReadRetryLimit: DefaultReadRetryLimit,
		RetryBackoff:   DefaultRetryBackoff,
		DeviceID:       DefaultDeviceID,
		Clock:          timeutil.RealClock{},
	}
	switch p {
	case ProtocolVariable:
		opts.SyncRetryLimit = VariableSyncRetryLimit
	default:
		opts.Protocol = ProtocolFixed
		opts.SyncRetryLimit = FixedSyncRetryLimit
		opts.Warmup = FixedWarmup
	}
	return opts
}

// withDefaults fills unset limits. Warmup is left alone: zero is valid.
func (o Options) withDefaults() Options {
	d := DefaultOptions(o.Protocol)
	if o.Protocol == "" {
		o.Protocol = d.Protocol
	}
	if o.SyncRetryLimit <= 0 {
		o.SyncRetryLimit = d.SyncRetryLimit
	}
	if o.ReadRetryLimit <= 0 {
		o.ReadRetryLimit = d.ReadRetryLimit
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	return o
}
