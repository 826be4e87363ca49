package lidar

import (
	"fmt"
	"time"
)

// Measurement is one angular reading. For the variable protocol Angle is a
// half-resolution index in 0..159 and Intensity holds the confidence value.
type Measurement struct {
	Angle     int    `json:"angle"`
	Distance  uint16 `json:"distance"`
	Intensity uint16 `json:"intensity"`
}

// Slot is a scan buffer entry. Valid is false until a frame writes it.
type Slot struct {
	Measurement
	Valid bool `json:"valid"`
}

// ScanBuffer is a fixed-size, angle-indexed array of optional measurements.
type ScanBuffer struct {
	slots []Slot
}

// NewScanBuffer returns a buffer with size unset slots.
func NewScanBuffer(size int) *ScanBuffer {
	return &ScanBuffer{slots: make([]Slot, size)}
}

// Len returns the number of slots.
func (b *ScanBuffer) Len() int { return len(b.slots) }

// Get returns the measurement at index i and whether it has been set.
func (b *ScanBuffer) Get(i int) (Measurement, bool) {
	if i < 0 || i >= len(b.slots) {
		return Measurement{}, false
	}
	s := b.slots[i]
	return s.Measurement, s.Valid
}

// Set stores m at m.Angle.
func (b *ScanBuffer) Set(m Measurement) error {
	if m.Angle < 0 || m.Angle >= len(b.slots) {
		return fmt.Errorf("angle %d outside scan buffer of %d slots", m.Angle, len(b.slots))
	}
	b.slots[m.Angle] = Slot{Measurement: m, Valid: true}
	return nil
}

func (b *ScanBuffer) clone() []Slot {
	out := make([]Slot, len(b.slots))
	copy(out, b.slots)
	return out
}

// Snapshot is an immutable copy of the scan buffer at one revision.
type Snapshot struct {
	Protocol  Protocol  `json:"protocol"`
	Revision  uint64    `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
	Slots     []Slot    `json:"slots"`
}

// ValidCount returns the number of slots that hold a measurement.
func (s Snapshot) ValidCount() int {
	n := 0
	for _, slot := range s.Slots {
		if slot.Valid {
			n++
		}
	}
	return n
}

// Distances returns the distance per slot with -1 for unset slots.
func (s Snapshot) Distances() []int {
	out := make([]int, len(s.Slots))
	for i, slot := range s.Slots {
		if slot.Valid {
			out[i] = int(slot.Distance)
		} else {
			out[i] = -1
		}
	}
	return out
}

// Frame is one validated, decoded unit of sensor data.
type Frame struct {
	Protocol Protocol
	Raw      []byte

	// Fixed protocol only.
	BaseAngle int
	RPM       uint16

	// Variable protocol only.
	DeviceID byte
	Command  byte

	Measurements []Measurement
}

// normalizeAngle maps a to [0, n).
func normalizeAngle(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}
