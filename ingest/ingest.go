// Package ingest manages active byte sources, coupling connection-level
// readers with the recorder receivers they feed and tracking per-source
// metrics. The tuner is an external collaborator; sources registered
// here stand in for it and must call Receive from their own goroutine
// without ever blocking on the receiver.
package ingest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStreamExists is returned by Register when the stream key is
// already claimed by an active source.
var ErrStreamExists = errors.New("ingest: stream already active")

// Receiver accepts bursts of 188-byte TS packets. Implementations must
// not block.
type Receiver interface {
	Receive(p []byte)
}

// OnStreamFunc creates the receiver for a newly registered source and
// returns a teardown to run on unregister.
type OnStreamFunc func(key string) (Receiver, func(), error)

// Stats captures connection-level metrics for an ingest source.
type Stats struct {
	BytesReceived int64
	ReadCount     int64
	UptimeMs      int64
	RemoteAddr    string
}

// Stream represents one active source, coupling the reader with its
// receiver and lifecycle bookkeeping.
type Stream struct {
	Key       string
	StartedAt time.Time

	receiver Receiver
	teardown func()

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	remoteAddr    atomic.Value
}

// Receive forwards a burst to the receiver and updates the counters.
func (s *Stream) Receive(p []byte) {
	s.receiver.Receive(p)
	s.bytesReceived.Add(int64(len(p)))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the source's remote address for diagnostics.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Stats returns a snapshot of the source metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active sources by stream key.
type Registry struct {
	mu       sync.Mutex
	active   map[string]*Stream
	onStream OnStreamFunc
}

// NewRegistry creates a registry dispatching new sources to onStream.
func NewRegistry(onStream OnStreamFunc) *Registry {
	return &Registry{
		active:   make(map[string]*Stream),
		onStream: onStream,
	}
}

// Register creates the receiver for a source. A second source with the
// same key is rejected.
func (r *Registry) Register(key string) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[key]; exists {
		return nil, fmt.Errorf("%w: %q", ErrStreamExists, key)
	}
	receiver, teardown, err := r.onStream(key)
	if err != nil {
		return nil, err
	}
	s := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		receiver:  receiver,
		teardown:  teardown,
	}
	r.active[key] = s
	return s, nil
}

// Unregister removes a source and runs its teardown.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	s := r.active[key]
	delete(r.active, key)
	r.mu.Unlock()
	if s != nil && s.teardown != nil {
		s.teardown()
	}
}
