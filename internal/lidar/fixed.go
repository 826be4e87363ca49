package lidar

import "encoding/binary"

/*
Fixed frame layout (42 bytes):

	byte 0       sentinel 0xFA
	byte 1       angle-base code; base angle = (code - 0xA0) * 6
	bytes 2-3    rotation speed, little-endian
	bytes 2+4i   group i (i = 0..5): intensity lo, intensity hi, distance lo, distance hi
	bytes 40-41  checksum pair; both equal and non-zero on a good frame

The groups overlap the speed field; the sensor firmware lays the frame out
this way and the offsets are kept as sent.
*/
const (
	FixedFrameSize    = 42
	FixedSyncByte     = 0xFA
	WiringFaultByte   = 0xFC
	FixedGroups       = 6
	fixedAngleBase    = 0xA0
	fixedAngleStep    = 6
	fixedGroupOffset  = 2
	fixedGroupSize    = 4
	fixedChecksumByte = 40
)

// FixedChecksumValid applies the duplicate-checksum rule: bytes 40 and 41
// must match and must not be zero.
func FixedChecksumValid(raw []byte) bool {
	if len(raw) != FixedFrameSize {
		return false
	}
	c := raw[fixedChecksumByte]
	return c != 0 && raw[fixedChecksumByte+1] == c
}

// FixedBaseAngle returns the first angle a frame covers, before offset.
func FixedBaseAngle(raw []byte) int {
	if len(raw) < 2 {
		return -1
	}
	return (int(raw[1]) - fixedAngleBase) * fixedAngleStep
}

// DecodeFixed validates a 42-byte frame and decodes its six readings.
// angleOffset is added to every angle and the result wrapped into 0..359.
func DecodeFixed(raw []byte, angleOffset int) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, &FrameError{Kind: ErrNoData, Protocol: ProtocolFixed, Angle: -1}
	}
	switch raw[0] {
	case FixedSyncByte:
	case WiringFaultByte:
		return Frame{}, byteError(ErrWiringFault, ProtocolFixed, raw[0])
	default:
		return Frame{}, byteError(ErrUnrecognizedFrame, ProtocolFixed, raw[0])
	}
	if len(raw) != FixedFrameSize {
		return Frame{}, lengthMismatch(ProtocolFixed, FixedFrameSize, len(raw))
	}

	base := FixedBaseAngle(raw)
	if !FixedChecksumValid(raw) {
		return Frame{}, invalidFrame(ProtocolFixed, base)
	}

	frame := Frame{
		Protocol:     ProtocolFixed,
		Raw:          raw,
		BaseAngle:    base,
		RPM:          binary.LittleEndian.Uint16(raw[2:4]),
		Measurements: make([]Measurement, FixedGroups),
	}
	for i := 0; i < FixedGroups; i++ {
		off := fixedGroupOffset + fixedGroupSize*i
		frame.Measurements[i] = Measurement{
			Angle:     normalizeAngle(base+i+angleOffset, FixedSlots),
			Intensity: binary.LittleEndian.Uint16(raw[off : off+2]),
			Distance:  binary.LittleEndian.Uint16(raw[off+2 : off+4]),
		}
	}
	return frame, nil
}
