package lidar

import (
	"sync"
	"time"

	"github.com/banshee-data/sweeplidar/internal/timeutil"
)

// AggregationMode selects how a frame's readings reach the scan buffer.
type AggregationMode int

const (
	// Persistent writes only the slots a frame covers; other slots keep
	// their last value while the beam sweeps round.
	Persistent AggregationMode = iota
	// Replace swaps in a fresh buffer per frame.
	Replace
)

// ModeFor returns the aggregation mode a protocol uses.
func ModeFor(p Protocol) AggregationMode {
	if p == ProtocolVariable {
		return Replace
	}
	return Persistent
}

// ScanAggregator merges decoded frames into the scan buffer. Each Apply is
// one batch under the write lock, so readers never see part of a frame.
type ScanAggregator struct {
	mu        sync.RWMutex
	protocol  Protocol
	mode      AggregationMode
	buf       *ScanBuffer
	revision  uint64
	updatedAt time.Time
	clock     timeutil.Clock
}

// NewScanAggregator creates an empty aggregator sized for p.
func NewScanAggregator(p Protocol, clock timeutil.Clock) *ScanAggregator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ScanAggregator{
		protocol: p,
		mode:     ModeFor(p),
		buf:      NewScanBuffer(p.Slots()),
		clock:    clock,
	}
}

// Mode returns the aggregation mode.
func (a *ScanAggregator) Mode() AggregationMode { return a.mode }

// Apply writes ms as one batch and returns the new revision. If any reading
// falls outside the buffer nothing is written.
func (a *ScanAggregator) Apply(ms []Measurement) (uint64, error) {
	next := NewScanBuffer(a.protocol.Slots())
	for _, m := range ms {
		if err := next.Set(m); err != nil {
			return 0, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.mode {
	case Replace:
		a.buf = next
	default:
		for _, m := range ms {
			a.buf.slots[m.Angle] = Slot{Measurement: m, Valid: true}
		}
	}
	a.revision++
	a.updatedAt = a.clock.Now()
	return a.revision, nil
}

// Snapshot copies the buffer at the current revision.
func (a *ScanAggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Snapshot{
		Protocol:  a.protocol,
		Revision:  a.revision,
		UpdatedAt: a.updatedAt,
		Slots:     a.buf.clone(),
	}
}

// Revision returns the number of frames applied so far.
func (a *ScanAggregator) Revision() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.revision
}
