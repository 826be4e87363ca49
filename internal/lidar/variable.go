package lidar

import (
	"bytes"
	"encoding/binary"
)

const (
	VariableSyncByte   = 0xAA
	VariableSyncLen    = 4
	VariableHeaderSize = 6
	// VariablePoints is the number of 16-bit words in a distance payload.
	VariablePoints = 160
	// MaxVariablePayload caps the declared length accepted by the
	// synchronizer.
	MaxVariablePayload = 4096

	variablePayloadSize = VariablePoints * 2
	variableDistanceMask = 0x1FF
)

var variableSync = []byte{VariableSyncByte, VariableSyncByte, VariableSyncByte, VariableSyncByte}

// VariableHeader is the 6-byte header following the sync pattern.
type VariableHeader struct {
	DeviceID byte
	Command  byte
	Offset   uint16
	Length   uint16
}

// ParseVariableHeader reads a header from b, which must hold 6 bytes.
func ParseVariableHeader(b []byte) VariableHeader {
	return VariableHeader{
		DeviceID: b[0],
		Command:  b[1],
		Offset:   binary.LittleEndian.Uint16(b[2:4]),
		Length:   binary.LittleEndian.Uint16(b[4:6]),
	}
}

// DecodeVariable validates a complete variable-protocol frame, sync included,
// and decodes a distance payload into 160 half-resolution readings. With
// lenient set a checksum mismatch is logged instead of rejected.
func DecodeVariable(raw []byte, lenient bool) (Frame, error) {
	const prefix = VariableSyncLen + VariableHeaderSize
	if len(raw) < prefix+1 {
		return Frame{}, lengthMismatch(ProtocolVariable, prefix+1, len(raw))
	}
	if !bytes.Equal(raw[:VariableSyncLen], variableSync) {
		return Frame{}, byteError(ErrUnrecognizedFrame, ProtocolVariable, raw[0])
	}

	hdr := ParseVariableHeader(raw[VariableSyncLen:prefix])
	want := prefix + int(hdr.Length) + 1
	if len(raw) != want {
		return Frame{}, lengthMismatch(ProtocolVariable, want, len(raw))
	}

	body := raw[VariableSyncLen : len(raw)-1]
	if sum, got := Checksum(body), raw[len(raw)-1]; sum != got {
		if !lenient {
			return Frame{}, byteError(ErrInvalidFrame, ProtocolVariable, got)
		}
		diagf("accepting frame with checksum 0x%02X, computed 0x%02X", got, sum)
	}

	if hdr.Command != CmdGetDistance {
		return Frame{}, byteError(ErrUnrecognizedFrame, ProtocolVariable, hdr.Command)
	}
	payload := raw[prefix : len(raw)-1]
	if len(payload) != variablePayloadSize {
		return Frame{}, lengthMismatch(ProtocolVariable, variablePayloadSize, len(payload))
	}

	frame := Frame{
		Protocol:     ProtocolVariable,
		Raw:          raw,
		DeviceID:     hdr.DeviceID,
		Command:      hdr.Command,
		Measurements: make([]Measurement, VariablePoints),
	}
	for i := 0; i < VariablePoints; i++ {
		word := binary.LittleEndian.Uint16(payload[2*i : 2*i+2])
		frame.Measurements[i] = Measurement{
			Angle:     i,
			Distance:  word & variableDistanceMask,
			Intensity: (word >> 9) << 1,
		}
	}
	return frame, nil
}
