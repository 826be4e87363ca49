package lidar

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/sweeplidar/internal/timeutil"
)

// variableStopSettle is the pause between the stop and start commands of the
// variable-protocol unit.
const variableStopSettle = 100 * time.Millisecond

// DeviceAgent is the device side of a scan: it starts and stops the sensor
// and hands back validated frames. It knows nothing about how the consumer
// receives scans.
type DeviceAgent interface {
	Protocol() Protocol
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ReadFrame(ctx context.Context) (Frame, error)
	// Warmup is the delay after Start before frames count as valid.
	Warmup() time.Duration
}

// NewAgent returns the agent for the session's protocol. onDiscard receives
// the noise byte counts from the synchronizer and may be nil.
func NewAgent(session *DeviceSession, onDiscard func(n int)) (DeviceAgent, error) {
	switch session.Protocol {
	case ProtocolFixed:
		return NewFixedAgent(session, onDiscard), nil
	case ProtocolVariable:
		return NewVariableAgent(session, onDiscard), nil
	}
	return nil, fmt.Errorf("no agent for protocol %q", session.Protocol)
}

// FixedAgent drives the 42-byte frame unit.
type FixedAgent struct {
	session *DeviceSession
	sync    *FixedSynchronizer
}

// NewFixedAgent creates an agent reading through session's link.
func NewFixedAgent(session *DeviceSession, onDiscard func(n int)) *FixedAgent {
	return &FixedAgent{
		session: session,
		sync:    NewFixedSynchronizer(session.Link(), session.Opts, onDiscard),
	}
}

func (a *FixedAgent) Protocol() Protocol { return ProtocolFixed }
func (a *FixedAgent) Warmup() time.Duration { return a.session.Opts.Warmup }

// Start sends the start byte and records the start time.
func (a *FixedAgent) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.session.Link().Write([]byte{FixedStartCommand}); err != nil {
		return fmt.Errorf("send start command: %w", err)
	}
	a.session.MarkStarted(a.session.Opts.Clock.Now())
	return nil
}

// Stop sends the stop byte and clears the start time.
func (a *FixedAgent) Stop(ctx context.Context) error {
	a.session.ClearStart()
	if err := a.session.Link().Write([]byte{FixedStopCommand}); err != nil {
		return fmt.Errorf("send stop command: %w", err)
	}
	return nil
}

// ReadFrame synchronizes on the next frame and decodes it.
func (a *FixedAgent) ReadFrame(ctx context.Context) (Frame, error) {
	raw, err := a.sync.Next(ctx)
	if err != nil {
		return Frame{}, err
	}
	return DecodeFixed(raw, a.session.AngleOffset())
}

// VariableAgent drives the length-prefixed frame unit.
type VariableAgent struct {
	session *DeviceSession
	sync    *VariableSynchronizer
}

// NewVariableAgent creates an agent reading through session's link.
func NewVariableAgent(session *DeviceSession, onDiscard func(n int)) *VariableAgent {
	return &VariableAgent{
		session: session,
		sync:    NewVariableSynchronizer(session.Link(), session.Opts, onDiscard),
	}
}

func (a *VariableAgent) Protocol() Protocol { return ProtocolVariable }
func (a *VariableAgent) Warmup() time.Duration { return a.session.Opts.Warmup }

func (a *VariableAgent) send(command byte) error {
	return a.session.Link().Write(EncodeCommand(a.session.Opts.DeviceID, command, nil))
}

// Start stops any measurement already running, lets the unit settle, drops
// whatever it sent meanwhile and requests distance frames.
func (a *VariableAgent) Start(ctx context.Context) error {
	if err := a.send(CmdStopGetDistance); err != nil {
		return fmt.Errorf("send stop command: %w", err)
	}
	if err := timeutil.Sleep(ctx, a.session.Opts.Clock, variableStopSettle); err != nil {
		return err
	}
	if err := a.session.Link().ResetInput(); err != nil {
		return fmt.Errorf("drain input: %w", err)
	}
	if err := a.send(CmdGetDistance); err != nil {
		return fmt.Errorf("send start command: %w", err)
	}
	a.session.MarkStarted(a.session.Opts.Clock.Now())
	return nil
}

// Stop requests the unit to stop sending distance frames.
func (a *VariableAgent) Stop(ctx context.Context) error {
	a.session.ClearStart()
	if err := a.send(CmdStopGetDistance); err != nil {
		return fmt.Errorf("send stop command: %w", err)
	}
	return nil
}

// ReadFrame synchronizes on the next frame and decodes it.
func (a *VariableAgent) ReadFrame(ctx context.Context) (Frame, error) {
	raw, err := a.sync.Next(ctx)
	if err != nil {
		return Frame{}, err
	}
	return DecodeVariable(raw, a.session.Opts.LenientChecksum)
}
