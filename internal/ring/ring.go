// Package ring implements the bounded single-producer/single-consumer
// byte buffer that couples the real-time receiver with the analyzer.
// The producer never blocks: bytes that do not fit are dropped and
// accounted, never silently truncated. The consumer polls with a short
// timeout and always sees bytes in FIFO order.
package ring

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// overflowLogInterval rate-limits overflow log lines.
const overflowLogInterval = 5 * time.Second

// Buffer is a lock-free SPSC byte ring. The margin bytes beyond the
// nominal capacity let Get return a contiguous region across the wrap
// point, so the consumer can always see at least margin readable bytes
// in one slice.
type Buffer struct {
	data   []byte
	size   int64
	margin int64

	rp atomic.Int64 // read cursor, consumer-owned, monotonically increasing
	wp atomic.Int64 // write cursor, producer-owned, monotonically increasing

	notify chan struct{}

	overflowBytes   atomic.Int64
	overflowReports atomic.Int64
	lastReport      atomic.Int64 // unix nanos of the last log line

	log *slog.Logger
}

// New creates a buffer of the given capacity. The margin is clamped to
// at least 2×188 so a full TS packet is always contiguously readable.
// If log is nil, slog.Default() is used.
func New(size, margin int, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	if margin < 2*188 {
		margin = 2 * 188
	}
	return &Buffer{
		data:   make([]byte, size+margin),
		size:   int64(size),
		margin: int64(margin),
		notify: make(chan struct{}, 1),
		log:    log.With("component", "ring"),
	}
}

// Size returns the nominal capacity.
func (b *Buffer) Size() int {
	return int(b.size)
}

// Available returns the number of readable bytes.
func (b *Buffer) Available() int {
	return int(b.wp.Load() - b.rp.Load())
}

// Free returns the number of writable bytes. Available + Free equals
// the capacity at any instant.
func (b *Buffer) Free() int {
	return int(b.size) - b.Available()
}

// Put copies as much of p as fits and returns the number of bytes
// accepted. It never blocks; the caller reports any shortfall via
// ReportOverflow.
func (b *Buffer) Put(p []byte) int {
	wp := b.wp.Load()
	free := b.size - (wp - b.rp.Load())
	n := int64(len(p))
	if n > free {
		n = free
	}
	if n <= 0 {
		return 0
	}
	off := wp % b.size
	chunk := b.size - off
	if chunk > n {
		chunk = n
	}
	copy(b.data[off:], p[:chunk])
	copy(b.data, p[chunk:n])
	b.wp.Store(wp + n)
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return int(n)
}

// Get returns a contiguous readable region, blocking up to timeout when
// the buffer is empty. It returns nil on timeout. The returned slice is
// valid until the corresponding Del.
func (b *Buffer) Get(timeout time.Duration) []byte {
	deadline := time.Now().Add(timeout)
	for {
		rp := b.rp.Load()
		used := b.wp.Load() - rp
		if used > 0 {
			off := rp % b.size
			cont := b.size - off
			if cont >= used {
				return b.data[off : off+used]
			}
			// The region wraps: extend it past the nominal end with up
			// to margin bytes copied from the buffer head.
			n := used - cont
			if n > b.margin {
				n = b.margin
			}
			copy(b.data[b.size:], b.data[:n])
			return b.data[off : off+cont+n]
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil
		}
		t := time.NewTimer(remain)
		select {
		case <-b.notify:
			t.Stop()
		case <-t.C:
			return nil
		}
	}
}

// Del releases n bytes from the head of the readable region.
func (b *Buffer) Del(n int) {
	b.rp.Add(int64(n))
}

// ReportOverflow accounts for bytes the producer had to drop and emits
// a rate-limited warning.
func (b *Buffer) ReportOverflow(missed int) {
	total := b.overflowBytes.Add(int64(missed))
	b.overflowReports.Add(1)
	now := time.Now().UnixNano()
	last := b.lastReport.Load()
	if now-last >= int64(overflowLogInterval) && b.lastReport.CompareAndSwap(last, now) {
		b.log.Warn("ring buffer overflow", "missed", missed, "total_dropped", total)
	}
}

// OverflowBytes returns the total number of dropped bytes.
func (b *Buffer) OverflowBytes() int64 {
	return b.overflowBytes.Load()
}

// OverflowReports returns the number of ReportOverflow calls.
func (b *Buffer) OverflowReports() int64 {
	return b.overflowReports.Load()
}
