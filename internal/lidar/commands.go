package lidar

import "encoding/binary"

// Fixed protocol commands are single bytes.
const (
	FixedStartCommand = 0x62 // 'b'
	FixedStopCommand  = 0x65 // 'e'
)

// Variable protocol command codes.
const (
	CmdGetDistance         = 0x02
	CmdStopGetDistance     = 0x0F
	CmdAck                 = 0x10
	CmdGetCorrectionParams = 0x12
	CmdConfigAddress       = 0x16
)

// DefaultDeviceID is the factory address of the variable-protocol unit.
const DefaultDeviceID = 0x01

// Checksum is the byte-sum of body modulo 256.
func Checksum(body []byte) byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	return sum
}

// EncodeCommand builds a variable-protocol frame:
// AA AA AA AA | id | cmd | offset (2) | length (2, LE) | payload | checksum.
func EncodeCommand(deviceID, command byte, payload []byte) []byte {
	frame := make([]byte, 0, VariableSyncLen+VariableHeaderSize+len(payload)+1)
	frame = append(frame, VariableSyncByte, VariableSyncByte, VariableSyncByte, VariableSyncByte)
	frame = append(frame, deviceID, command, 0x00, 0x00)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)
	return append(frame, Checksum(frame[VariableSyncLen:]))
}
