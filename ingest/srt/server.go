// Package srt implements the SRT listener used as the live transport
// stream source: each accepted publish connection registers with the
// ingest registry and pumps its reads into the recorder's receiver from
// the connection's own goroutine.
package srt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/dvbkit/tsdvr/ingest"
)

const (
	// readBufferPackets sizes socket reads in whole TS packets. SRT
	// payloads carry 7 packets (1316 bytes); reading room for ten
	// payloads keeps syscall overhead down on high-rate muxes.
	readBufferPackets = 70
	readBufferSize    = readBufferPackets * 188

	// latencyNs is the SRT receive latency, 120 ms in the nanosecond
	// units the socket config expects.
	latencyNs = 120_000_000
)

// Server listens for SRT publish connections and feeds each one through
// the ingest registry into a recorder.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a listener on addr backed by the given registry.
// A nil log falls back to slog.Default().
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start listens and serves publish connections until the context is
// cancelled. Connections without a stream id are rejected during the
// handshake.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latencyNs

	listener, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	listener.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})
	s.log.Info("listening", "addr", s.addr)

	// Closing the listener is what breaks Accept below.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.serve(ctx, conn)
	}
}

// serve pumps one publish connection into its recorder until the peer
// disconnects or the server shuts down.
func (s *Server) serve(ctx context.Context, conn *srtgo.Conn) {
	defer conn.Close()

	key := streamKey(conn.StreamID())
	stream, err := s.registry.Register(key)
	if err != nil {
		s.log.Warn("rejecting publish", "stream_key", key, "error", err)
		return
	}
	defer s.registry.Unregister(key)

	remote := conn.RemoteAddr().String()
	stream.SetRemoteAddr(remote)
	s.log.Info("publish", "remote", remote, "stream_key", key)

	buf := make([]byte, readBufferSize)
	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "stream_key", key, "error", err)
			}
			break
		}
		stream.Receive(buf[:n])
	}

	stats := stream.Stats()
	s.log.Info("publish ended",
		"stream_key", key,
		"remote", remote,
		"bytes", stats.BytesReceived,
		"reads", stats.ReadCount,
		"uptime_ms", stats.UptimeMs,
	)
}

// streamKey derives the recording key from an SRT stream id, stripping
// the conventional path prefixes publishers send.
func streamKey(id string) string {
	for _, prefix := range []string{"/", "live/"} {
		id = strings.TrimPrefix(id, prefix)
	}
	if id == "" {
		return "default"
	}
	return id
}
