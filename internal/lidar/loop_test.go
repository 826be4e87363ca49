package lidar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sweeplidar/internal/timeutil"
	"github.com/banshee-data/sweeplidar/internal/uart"
)

func TestScanLoop_UpdateStartsAndWaitsWarmup(t *testing.T) {
	session, port, clock := newTestSession(t, ProtocolFixed)
	port.AddReadData(fixedFrameAt(42))

	loop, err := NewScanLoop(session)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, loop.State())

	frame, err := loop.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, frame.BaseAngle)

	assert.Equal(t, []byte{FixedStartCommand}, port.GetWrittenData())
	assert.Equal(t, []time.Duration{FixedWarmup}, clock.Sleeps())
	assert.Equal(t, StateRunning, loop.State())
	assert.True(t, session.Running())

	snap := loop.Latest()
	assert.Equal(t, uint64(1), snap.Revision)
	assert.Equal(t, 6, snap.ValidCount())
}

func TestScanLoop_WarmupCountsFromStart(t *testing.T) {
	session, port, clock := newTestSession(t, ProtocolFixed)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	require.NoError(t, loop.Start(context.Background()))
	assert.Equal(t, StateWarmup, loop.State())
	clock.Advance(500 * time.Millisecond)

	port.AddReadData(fixedFrameAt(0))
	_, err = loop.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{1500 * time.Millisecond}, clock.Sleeps())

	// once warm, later frames do not wait
	port.AddReadData(fixedFrameAt(6))
	_, err = loop.Update(context.Background())
	require.NoError(t, err)
	assert.Len(t, clock.Sleeps(), 1)
}

func TestScanLoop_TransientErrorLeavesBuffer(t *testing.T) {
	session, port, _ := newTestSession(t, ProtocolFixed)
	obs := newCountingObserver()
	loop, err := NewScanLoop(session, WithObserver(obs))
	require.NoError(t, err)

	port.AddReadData(fixedFrameAt(0))
	_, err = loop.Update(context.Background())
	require.NoError(t, err)
	before := loop.Latest()

	bad := fixedFrameAt(6)
	bad[41] = 0x00
	port.AddReadData(bad)
	_, err = loop.Update(context.Background())
	require.ErrorIs(t, err, ErrInvalidFrame)

	assert.Equal(t, before, loop.Latest())
	assert.Equal(t, 1, obs.errors["invalid_frame"])
}

func TestScanLoop_RunUntilFatal(t *testing.T) {
	session, port, _ := newTestSession(t, ProtocolFixed)
	obs := newCountingObserver()
	loop, err := NewScanLoop(session, WithObserver(obs))
	require.NoError(t, err)

	corrupt := fixedFrameAt(18)
	corrupt[40] = 0x01

	port.AddReadData([]byte{0x00, 0x00})
	for _, raw := range [][]byte{fixedFrameAt(0), fixedFrameAt(6), fixedFrameAt(12), corrupt, fixedFrameAt(24)} {
		port.AddReadData(raw)
	}

	err = loop.Run(context.Background())
	require.ErrorIs(t, err, ErrNoData)
	assert.ErrorIs(t, loop.Err(), ErrNoData)

	assert.Equal(t, StateStopped, loop.State())
	assert.False(t, session.Running())
	_, started := session.StartedAt()
	assert.False(t, started)
	assert.Equal(t, []byte{FixedStartCommand, FixedStopCommand}, port.GetWrittenData())

	assert.Equal(t, 4, obs.decoded)
	assert.Equal(t, []uint64{1, 2, 3, 4}, obs.revisions)
	assert.Equal(t, 1, obs.errors["invalid_frame"])
	assert.Equal(t, 1, obs.errors["no_data"])
	assert.Equal(t, 2, obs.discarded)

	snap := loop.Latest()
	assert.Equal(t, uint64(4), snap.Revision)
	assert.Equal(t, 24, snap.ValidCount())
	assert.False(t, snap.Slots[18].Valid)

	// the loop can be run again and keeps its buffer
	port.AddReadData(fixedFrameAt(18))
	err = loop.Run(context.Background())
	require.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, uint64(5), loop.Latest().Revision)
	assert.Equal(t, 30, loop.Latest().ValidCount())
	assert.Equal(t,
		[]byte{FixedStartCommand, FixedStopCommand, FixedStartCommand, FixedStopCommand},
		port.GetWrittenData())
}

func TestScanLoop_WiringFaultIsFatal(t *testing.T) {
	session, port, _ := newTestSession(t, ProtocolFixed)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	port.AddReadData([]byte{WiringFaultByte, 0x00, 0x01})
	err = loop.Run(context.Background())
	require.ErrorIs(t, err, ErrWiringFault)
	assert.Zero(t, loop.Latest().Revision)
}

func TestScanLoop_VariableStartSequence(t *testing.T) {
	session, port, clock := newTestSession(t, ProtocolVariable)
	port.AddReadData([]byte{0xDE, 0xAD, 0xBE, 0xEF})

	getDistance := EncodeCommand(DefaultDeviceID, CmdGetDistance, nil)
	port.OnWrite = func(p []byte) {
		if string(p) == string(getDistance) {
			port.AddReadData(variableFrame(50))
		}
	}

	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	frame, err := loop.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(50), frame.Measurements[0].Distance)

	stop := EncodeCommand(DefaultDeviceID, CmdStopGetDistance, nil)
	assert.Equal(t, append(append([]byte(nil), stop...), getDistance...), port.GetWrittenData())
	assert.Equal(t, []time.Duration{variableStopSettle}, clock.Sleeps())

	snap := loop.Latest()
	assert.Equal(t, VariableSlots, snap.ValidCount())
	assert.Equal(t, 50+159, snap.Distances()[159])
}

func TestScanLoop_VariableReplacesEachFrame(t *testing.T) {
	session, port, _ := newTestSession(t, ProtocolVariable)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)
	require.NoError(t, loop.Start(context.Background()))

	port.AddReadData(variableFrame(10))
	port.AddReadData(variableFrame(20))
	_, err = loop.Update(context.Background())
	require.NoError(t, err)
	_, err = loop.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, loop.Latest().Distances()[0])
	assert.Equal(t, uint64(2), loop.Latest().Revision)
}

func TestScanLoop_VariableSyncTimeoutIsFatal(t *testing.T) {
	session, port, _ := newTestSession(t, ProtocolVariable)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)
	require.NoError(t, loop.Start(context.Background()))

	port.AddReadData(make([]byte, 600))
	err = loop.Run(context.Background())
	assert.ErrorIs(t, err, ErrSyncTimeout)
	assert.ErrorIs(t, loop.Err(), ErrSyncTimeout)

	snap := loop.Latest()
	assert.Zero(t, snap.Revision)
	assert.Zero(t, snap.ValidCount())
	assert.Equal(t, StateStopped, loop.State())
	assert.Equal(t, 100, port.Pending())
}

func TestScanLoop_StopWhenIdle(t *testing.T) {
	session, port, _ := newTestSession(t, ProtocolFixed)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	port.AddReadData(fixedFrameAt(0))
	_, err = loop.Update(context.Background())
	require.NoError(t, err)

	require.NoError(t, loop.Stop(context.Background()))
	assert.Equal(t, StateStopped, loop.State())
	_, started := session.StartedAt()
	assert.False(t, started)
	assert.Equal(t, uint64(1), loop.Latest().Revision, "last snapshot survives stop")

	// the next update starts the sensor again
	port.AddReadData(fixedFrameAt(6))
	_, err = loop.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{FixedStartCommand, FixedStopCommand, FixedStartCommand}, port.GetWrittenData())
}

// liveSession uses the real clock with short retry settings so Run keeps
// polling an idle port until stopped.
func liveSession(t *testing.T) (*DeviceSession, *uart.TestableSerialPort) {
	t.Helper()
	port := uart.NewTestableSerialPort()
	opts := DefaultOptions(ProtocolFixed)
	opts.Warmup = 0
	opts.SyncRetryLimit = 1 << 30
	opts.RetryBackoff = time.Millisecond
	opts.Clock = timeutil.RealClock{}
	session := NewSession(uart.NewLink("/dev/ttyLIVE", port), opts)
	t.Cleanup(func() { session.Close() })
	return session, port
}

func TestScanLoop_StopWhileRunning(t *testing.T) {
	session, port := liveSession(t)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(context.Background()) }()

	port.AddReadData(fixedFrameAt(0))
	require.Eventually(t, func() bool { return loop.Latest().Revision == 1 }, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopRunning)

	require.NoError(t, loop.Stop(context.Background()))
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.NoError(t, loop.Err())
	assert.Equal(t, StateStopped, loop.State())
	written := port.GetWrittenData()
	assert.Equal(t, byte(FixedStopCommand), written[len(written)-1])
}

func TestScanLoop_ContextCancelEndsRun(t *testing.T) {
	session, _ := liveSession(t)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = loop.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateStopped, loop.State())
}

func subscriberCount(l *ScanLoop) int {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	return len(l.subscribers)
}

func TestScanLoop_ScansEndsWithFatalError(t *testing.T) {
	session, port := liveSession(t)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	type result struct {
		revisions []uint64
		err       error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for snap, err := range loop.Scans(context.Background()) {
			if err != nil {
				r.err = err
				break
			}
			r.revisions = append(r.revisions, snap.Revision)
		}
		done <- r
	}()
	require.Eventually(t, func() bool { return subscriberCount(loop) == 1 }, 2*time.Second, time.Millisecond)

	runErr := make(chan error, 1)
	go func() { runErr <- loop.Run(context.Background()) }()

	port.AddReadData(fixedFrameAt(0))
	require.Eventually(t, func() bool { return loop.Latest().Revision == 1 }, 2*time.Second, time.Millisecond)
	port.AddReadData(fixedFrameAt(6))
	require.Eventually(t, func() bool { return loop.Latest().Revision == 2 }, 2*time.Second, time.Millisecond)

	// pulling the link out from under the loop is fatal
	require.NoError(t, session.Close())
	require.ErrorIs(t, <-runErr, uart.ErrClosed)

	select {
	case r := <-done:
		require.NotEmpty(t, r.revisions)
		assert.Equal(t, uint64(2), r.revisions[len(r.revisions)-1])
		assert.ErrorIs(t, r.err, uart.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Scans did not finish")
	}
	assert.Zero(t, subscriberCount(loop))
}

func TestScanLoop_SubscribeLatestWins(t *testing.T) {
	session, port, _ := newTestSession(t, ProtocolFixed)
	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	id, ch := loop.Subscribe()
	for _, base := range []int{0, 6, 12} {
		port.AddReadData(fixedFrameAt(base))
		_, err := loop.Update(context.Background())
		require.NoError(t, err)
	}

	snap := <-ch
	assert.Equal(t, uint64(3), snap.Revision)
	select {
	case <-ch:
		t.Fatal("expected a single buffered snapshot")
	default:
	}

	loop.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)
	loop.Unsubscribe(id)
}

func TestScanLoop_StartFailure(t *testing.T) {
	session, port, _ := newTestSession(t, ProtocolFixed)
	port.WriteError = errors.New("tx fault")
	loop, err := NewScanLoop(session)
	require.NoError(t, err)

	_, err = loop.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tx fault")
	assert.Equal(t, StateStopped, loop.State())
	_, started := session.StartedAt()
	assert.False(t, started)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "warmup", StateWarmup.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "State(9)", State(9).String())
}
