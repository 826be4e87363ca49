package lidar

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/banshee-data/sweeplidar/internal/timeutil"
)

// ErrLoopRunning is returned by Run when the loop is already running.
var ErrLoopRunning = errors.New("scan loop already running")

// State is the ScanLoop lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateWarmup
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateWarmup:
		return "warmup"
	case StateRunning:
		return "running"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Observer receives decode statistics. monitoring.Metrics implements it.
type Observer interface {
	FrameDecoded(protocol string, revision uint64)
	FrameError(protocol, kind string)
	BytesDiscarded(protocol string, n int)
}

// SnapshotSource is what scan consumers need from a producer.
type SnapshotSource interface {
	// Latest returns the most recent snapshot; Revision 0 means no frame
	// has been applied yet.
	Latest() Snapshot
	// Subscribe returns a channel that receives each new snapshot. A slow
	// reader only ever sees the newest one. The channel is closed when the
	// producer stops.
	Subscribe() (string, <-chan Snapshot)
	Unsubscribe(id string)
}

// LoopOption customises a ScanLoop.
type LoopOption func(*ScanLoop)

// WithObserver reports decode statistics to o.
func WithObserver(o Observer) LoopOption {
	return func(l *ScanLoop) { l.observer = o }
}

// WithAgent replaces the protocol agent derived from the session.
func WithAgent(a DeviceAgent) LoopOption {
	return func(l *ScanLoop) { l.agent = a }
}

// ScanLoop drives synchronizer, decoder and aggregator for one session.
// A single goroutine runs Run; any number of consumers read snapshots.
type ScanLoop struct {
	session  *DeviceSession
	agent    DeviceAgent
	agg      *ScanAggregator
	clock    timeutil.Clock
	observer Observer

	state atomic.Int32

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
	lastErr  error
	haltErr  error

	subMu       sync.Mutex
	subscribers map[string]chan Snapshot

	errLog rate.Sometimes
}

// NewScanLoop creates a stopped loop for session.
func NewScanLoop(session *DeviceSession, opts ...LoopOption) (*ScanLoop, error) {
	l := &ScanLoop{
		session:     session,
		agg:         NewScanAggregator(session.Protocol, session.Opts.Clock),
		clock:       session.Opts.Clock,
		subscribers: make(map[string]chan Snapshot),
		errLog:      rate.Sometimes{First: 5, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.agent == nil {
		agent, err := NewAgent(session, l.discarded)
		if err != nil {
			return nil, err
		}
		l.agent = agent
	}
	return l, nil
}

// State returns the current lifecycle state.
func (l *ScanLoop) State() State { return State(l.state.Load()) }

func (l *ScanLoop) setState(s State) {
	if prev := State(l.state.Swap(int32(s))); prev != s {
		tracef("%s loop %s -> %s", l.session.Protocol, prev, s)
	}
}

func (l *ScanLoop) protocol() string { return string(l.session.Protocol) }

func (l *ScanLoop) discarded(n int) {
	if l.observer != nil {
		l.observer.BytesDiscarded(l.protocol(), n)
	}
}

// Start sends the protocol start command and records the start time. The
// loop then waits out the warmup on the next Update.
func (l *ScanLoop) Start(ctx context.Context) error {
	l.setState(StateStarting)
	if err := l.agent.Start(ctx); err != nil {
		l.setState(StateStopped)
		return err
	}
	l.session.SetRunning(true)
	l.setState(StateWarmup)
	diagf("%s sensor started, warmup %s", l.session.Protocol, l.agent.Warmup())
	return nil
}

func (l *ScanLoop) awaitWarmup(ctx context.Context) error {
	started, ok := l.session.StartedAt()
	if !ok {
		return nil
	}
	if remaining := l.agent.Warmup() - l.clock.Since(started); remaining > 0 {
		l.setState(StateWarmup)
		if err := timeutil.Sleep(ctx, l.clock, remaining); err != nil {
			return err
		}
	}
	l.setState(StateRunning)
	return nil
}

// Update reads, validates and applies one frame. Without a recorded start
// time it starts the sensor first. A failed frame leaves the buffer as it
// was.
func (l *ScanLoop) Update(ctx context.Context) (Frame, error) {
	if _, ok := l.session.StartedAt(); !ok {
		if err := l.Start(ctx); err != nil {
			return Frame{}, err
		}
	}
	if err := l.awaitWarmup(ctx); err != nil {
		return Frame{}, err
	}

	frame, err := l.agent.ReadFrame(ctx)
	if err != nil {
		if l.observer != nil && ctx.Err() == nil {
			l.observer.FrameError(l.protocol(), KindName(err))
		}
		return Frame{}, err
	}

	rev, err := l.agg.Apply(frame.Measurements)
	if err != nil {
		return Frame{}, err
	}
	if l.observer != nil {
		l.observer.FrameDecoded(l.protocol(), rev)
	}
	l.publish(l.agg.Snapshot())
	return frame, nil
}

// Run updates until ctx is done, Stop is called or a fatal error occurs.
// Transient frame errors are logged and skipped. On exit the sensor is
// stopped and subscriber channels are closed; Run may be called again.
func (l *ScanLoop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return ErrLoopRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	l.stopping, l.lastErr, l.haltErr = false, nil, nil
	l.mu.Unlock()

	err := l.run(runCtx)
	cancel()
	haltErr := l.halt(context.Background())
	if haltErr != nil {
		opsf("%s stop command failed: %v", l.session.Protocol, haltErr)
	}

	l.mu.Lock()
	stopping := l.stopping
	if stopping {
		err = nil
	}
	l.lastErr = err
	l.haltErr = haltErr
	l.cancel = nil
	l.mu.Unlock()

	l.closeSubscribers()
	close(done)
	return err
}

func (l *ScanLoop) run(ctx context.Context) error {
	for {
		_, err := l.Update(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case IsTransient(err):
			l.errLog.Do(func() {
				opsf("dropped %s frame: %v", l.session.Protocol, err)
			})
		default:
			opsf("%s scan loop stopping: %v", l.session.Protocol, err)
			return err
		}
	}
}

// halt sends the stop command and clears the session's start state.
func (l *ScanLoop) halt(ctx context.Context) error {
	l.session.SetRunning(false)
	err := l.agent.Stop(ctx)
	l.setState(StateStopped)
	return err
}

// Stop cancels any in-flight read, waits for Run to return and stops the
// sensor. The last snapshot stays readable.
func (l *ScanLoop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	if cancel != nil {
		l.stopping = true
	}
	l.mu.Unlock()

	if cancel == nil {
		return l.halt(ctx)
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.haltErr
}

// Err returns the fatal error that ended the last Run, if any.
func (l *ScanLoop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Latest returns the current snapshot.
func (l *ScanLoop) Latest() Snapshot { return l.agg.Snapshot() }

// Subscribe registers a snapshot channel. See SnapshotSource.
func (l *ScanLoop) Subscribe() (string, <-chan Snapshot) {
	id := uuid.NewString()
	ch := make(chan Snapshot, 1)
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (l *ScanLoop) Unsubscribe(id string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.subscribers[id]; ok {
		close(ch)
		delete(l.subscribers, id)
	}
}

func (l *ScanLoop) publish(s Snapshot) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- s:
		default:
			// replace the unread snapshot with the newer one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (l *ScanLoop) closeSubscribers() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for id, ch := range l.subscribers {
		close(ch)
		delete(l.subscribers, id)
	}
}

// Scans yields every new snapshot until ctx is done or the loop stops. If
// the loop ended on a fatal error the last pair carries it. Calling Scans
// again after a restart begins a new sequence.
func (l *ScanLoop) Scans(ctx context.Context) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		id, ch := l.Subscribe()
		defer l.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-ch:
				if !ok {
					if err := l.Err(); err != nil {
						yield(Snapshot{}, err)
					}
					return
				}
				if !yield(s, nil) {
					return
				}
			}
		}
	}
}
