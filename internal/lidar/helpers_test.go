package lidar

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/banshee-data/sweeplidar/internal/timeutil"
	"github.com/banshee-data/sweeplidar/internal/uart"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fixedFrame builds a valid fixed frame for angle code with the given
// readings. Groups are written in order, so group 0 also sets the speed
// field.
func fixedFrame(code byte, dist, inten [FixedGroups]uint16) []byte {
	raw := make([]byte, FixedFrameSize)
	raw[0] = FixedSyncByte
	raw[1] = code
	for i := 0; i < FixedGroups; i++ {
		off := fixedGroupOffset + fixedGroupSize*i
		binary.LittleEndian.PutUint16(raw[off:], inten[i])
		binary.LittleEndian.PutUint16(raw[off+2:], dist[i])
	}
	raw[40], raw[41] = 0x5A, 0x5A
	return raw
}

// fixedFrameAt builds a frame for base angle with distances base..base+5.
func fixedFrameAt(base int) []byte {
	var dist, inten [FixedGroups]uint16
	for i := range dist {
		dist[i] = uint16(1000 + base + i)
		inten[i] = uint16(10 + i)
	}
	return fixedFrame(byte(fixedAngleBase+base/fixedAngleStep), dist, inten)
}

// distancePayload encodes 160 words from distance and confidence values.
func distancePayload(dist func(i int) uint16, conf func(i int) uint16) []byte {
	payload := make([]byte, 0, variablePayloadSize)
	for i := 0; i < VariablePoints; i++ {
		word := dist(i)&variableDistanceMask | (conf(i)>>1)<<9
		payload = binary.LittleEndian.AppendUint16(payload, word)
	}
	return payload
}

// variableFrame builds a distance frame where slot i reads i+base.
func variableFrame(base uint16) []byte {
	return EncodeCommand(DefaultDeviceID, CmdGetDistance, distancePayload(
		func(i int) uint16 { return uint16(i) + base },
		func(i int) uint16 { return 0 },
	))
}

func testOptions(p Protocol, clock timeutil.Clock) Options {
	opts := DefaultOptions(p)
	opts.Clock = clock
	return opts
}

func newTestSession(t *testing.T, p Protocol) (*DeviceSession, *uart.TestableSerialPort, *timeutil.MockClock) {
	t.Helper()
	port := uart.NewTestableSerialPort()
	clock := timeutil.NewMockClock(testEpoch)
	session := NewSession(uart.NewLink("/dev/ttyTEST", port), testOptions(p, clock))
	t.Cleanup(func() { session.Close() })
	return session, port, clock
}

type countingObserver struct {
	decoded   int
	revisions []uint64
	errors    map[string]int
	discarded int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{errors: make(map[string]int)}
}

func (o *countingObserver) FrameDecoded(protocol string, revision uint64) {
	o.decoded++
	o.revisions = append(o.revisions, revision)
}

func (o *countingObserver) FrameError(protocol, kind string) { o.errors[kind]++ }

func (o *countingObserver) BytesDiscarded(protocol string, n int) { o.discarded += n }
