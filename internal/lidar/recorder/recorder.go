// Package recorder stores scan snapshots in sqlite so a run can be
// inspected after the fact.
package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sweeplidar/internal/lidar"
	"github.com/banshee-data/sweeplidar/internal/monitoring"
	"github.com/banshee-data/sweeplidar/internal/timeutil"
)

// DefaultEvery is the minimum gap between two recorded snapshots.
const DefaultEvery = time.Second

// Recorder writes snapshots from a SnapshotSource into one run of a Store.
type Recorder struct {
	store *Store
	runID string
	every time.Duration
	clock timeutil.Clock

	mu       sync.Mutex
	last     uint64
	lastAt   time.Time
	recorded int
	closed   bool
}

// NewRecorder begins a run for protocol on port. every <= 0 uses
// DefaultEvery; clock may be nil.
func NewRecorder(ctx context.Context, store *Store, protocol lidar.Protocol, port string, every time.Duration, clock timeutil.Clock) (*Recorder, error) {
	if every <= 0 {
		every = DefaultEvery
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	runID, err := store.BeginRun(ctx, protocol, port, clock.Now())
	if err != nil {
		return nil, err
	}
	monitoring.Logf("[recorder] run %s started for %s on %s", runID, protocol, port)
	return &Recorder{store: store, runID: runID, every: every, clock: clock}, nil
}

// RunID returns the id of the run being written.
func (r *Recorder) RunID() string { return r.runID }

// Recorded returns the number of snapshots written so far.
func (r *Recorder) Recorded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded
}

// Record stores snap unless it is not newer than the last one or arrives
// within the throttle interval. force skips the interval check.
func (r *Recorder) Record(ctx context.Context, snap lidar.Snapshot, force bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, fmt.Errorf("recorder is closed")
	}
	if snap.Revision == 0 || snap.Revision <= r.last {
		return false, nil
	}
	now := r.clock.Now()
	if !force && !r.lastAt.IsZero() && now.Sub(r.lastAt) < r.every {
		return false, nil
	}
	if err := r.store.Insert(ctx, r.runID, snap); err != nil {
		return false, err
	}
	r.last = snap.Revision
	r.lastAt = now
	r.recorded++
	return true, nil
}

// Run records snapshots from source until ctx is done or the source closes
// the subscription. The newest snapshot is always written before returning.
func (r *Recorder) Run(ctx context.Context, source lidar.SnapshotSource) error {
	id, ch := source.Subscribe()
	defer source.Unsubscribe(id)

	var pending lidar.Snapshot
	flush := func() error {
		if pending.Revision == 0 {
			return nil
		}
		_, err := r.Record(context.WithoutCancel(ctx), pending, true)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return flush()
		case snap, ok := <-ch:
			if !ok {
				return flush()
			}
			pending = snap
			wrote, err := r.Record(ctx, snap, false)
			if err != nil {
				monitoring.Logf("[recorder] run %s: %v", r.runID, err)
				continue
			}
			if wrote {
				pending = lidar.Snapshot{}
			}
		}
	}
}

// Close ends the run, recording runErr as the reason if it is not nil.
func (r *Recorder) Close(runErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	monitoring.Logf("[recorder] run %s closed after %d snapshots", r.runID, r.recorded)
	return r.store.EndRun(context.Background(), r.runID, r.clock.Now(), runErr)
}
