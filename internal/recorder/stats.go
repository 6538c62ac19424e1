package recorder

import "sync/atomic"

// run is the shared running flag polled by both threads.
type run struct {
	v atomic.Bool
}

func (r *run) set(on bool) { r.v.Store(on) }
func (r *run) get() bool   { return r.v.Load() }

// Stats are the recorder's atomic counters, read concurrently by the
// metrics collector.
type Stats struct {
	BytesReceived     atomic.Int64
	BytesWritten      atomic.Int64
	Frames            atomic.Int64
	IndependentFrames atomic.Int64
	Segments          atomic.Int64
	WatchdogTrips     atomic.Int64
}

// Snapshot is a point-in-time copy of a recording's counters.
type Snapshot struct {
	Name              string
	BytesReceived     int64
	BytesWritten      int64
	OverflowBytes     int64
	Frames            int64
	IndependentFrames int64
	Segments          int64
	WatchdogTrips     int64
}

// Snapshot captures the current counters for diagnostics.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Name:              r.dir,
		BytesReceived:     r.stats.BytesReceived.Load(),
		BytesWritten:      r.stats.BytesWritten.Load(),
		OverflowBytes:     r.ring.OverflowBytes(),
		Frames:            r.stats.Frames.Load(),
		IndependentFrames: r.stats.IndependentFrames.Load(),
		Segments:          r.stats.Segments.Load(),
		WatchdogTrips:     r.stats.WatchdogTrips.Load(),
	}
}
