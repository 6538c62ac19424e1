// Package recorder couples a real-time transport stream producer with
// the analyzer/writer that segments the stream into independently
// playable files. The producer side (Receive) never blocks; the
// analyzer drains the ring buffer, runs the frame detector, injects
// PAT/PMT ahead of every independent frame, rotates segment files at
// independent-frame boundaries, and appends the frame index.
package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dvbkit/tsdvr/internal/frame"
	"github.com/dvbkit/tsdvr/internal/mpegts"
	"github.com/dvbkit/tsdvr/internal/psi"
	"github.com/dvbkit/tsdvr/internal/ring"
	"github.com/dvbkit/tsdvr/internal/segment"
)

// ErrNoStreams is returned by New when the channel descriptor names no
// elementary stream the frame detector could follow.
var ErrNoStreams = errors.New("recorder: channel has no streams")

const (
	// getTimeout is how long the analyzer waits for ring data per loop.
	getTimeout = 100 * time.Millisecond

	// stopGrace is how long Stop waits for the analyzer to finish the
	// current segment at an independent frame.
	stopGrace = 3 * time.Second
)

// Config carries the recorder's tunables. Zero values select the
// defaults given in the field comments.
type Config struct {
	MaxFileSizeMiB     int64         // segment rotation threshold (2000)
	MinFreeDiskSpaceMB int           // low-space rotation floor (512)
	DiskCheckInterval  time.Duration // statfs throttle (100s)
	MaxBrokenTimeout   time.Duration // watchdog grace period (30s)
	RingBufferBytes    int           // SPSC buffer capacity (5 MiB)

	// FreeDiskSpace overrides the free-space probe; tests use this.
	FreeDiskSpace func(dir string) int

	// EmergencyStop is invoked when the watchdog sees no stream data
	// for longer than MaxBrokenTimeout. May be nil.
	EmergencyStop func()
}

func (c Config) withDefaults() Config {
	if c.MaxFileSizeMiB == 0 {
		c.MaxFileSizeMiB = 2000
	}
	if c.MinFreeDiskSpaceMB == 0 {
		c.MinFreeDiskSpaceMB = 512
	}
	if c.DiskCheckInterval == 0 {
		c.DiskCheckInterval = 100 * time.Second
	}
	if c.MaxBrokenTimeout == 0 {
		c.MaxBrokenTimeout = 30 * time.Second
	}
	if c.RingBufferBytes == 0 {
		c.RingBufferBytes = 5 << 20
	}
	return c
}

// Recorder owns one recording: the ring buffer, frame detector, table
// generator, file cursor, index, and the current segment file.
type Recorder struct {
	log *slog.Logger
	cfg Config
	dir string

	ring      *ring.Buffer
	detector  *frame.Detector
	generator *psi.Generator
	fileName  *segment.FileName
	index     *segment.Index
	disk      *segment.DiskChecker

	file        *segment.UnbufferedFile
	fileSize    int64
	infoWritten bool

	running run
	done    chan struct{}

	stats Stats
}

// New creates a recorder writing into dir for the given channel. The
// detector follows the channel's video stream; for radio channels it
// follows the first AC-3 stream, or else the first MPEG audio stream.
// If log is nil, slog.Default() is used.
func New(dir string, channel *psi.Channel, cfg Config, log *slog.Logger) (*Recorder, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "recorder", "dir", dir)
	cfg = cfg.withDefaults()

	pid, streamType, err := detectorStream(channel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", dir, err)
	}

	fileName := segment.NewFileName(dir)
	file, err := fileName.Open()
	if err != nil {
		return nil, err
	}
	index, err := segment.NewIndex(dir, log)
	if err != nil {
		// Continue without the index so at least the recording exists.
		log.Error("can't create index, continuing without it", "error", err)
		index = nil
	}

	disk := segment.NewDiskChecker(dir, cfg.MinFreeDiskSpaceMB, cfg.DiskCheckInterval, log)
	if cfg.FreeDiskSpace != nil {
		disk.Free = cfg.FreeDiskSpace
	}

	r := &Recorder{
		log:       log,
		cfg:       cfg,
		dir:       dir,
		ring:      ring.New(cfg.RingBufferBytes, 2*mpegts.PacketSize, log),
		detector:  frame.NewDetector(pid, streamType, log),
		generator: psi.NewGenerator(channel),
		fileName:  fileName,
		index:     index,
		disk:      disk,
		file:      file,
		done:      make(chan struct{}),
	}
	r.stats.Segments.Store(1)
	return r, nil
}

// detectorStream picks the PID the frame detector follows.
func detectorStream(channel *psi.Channel) (uint16, uint8, error) {
	switch {
	case channel == nil || !channel.HasStreams():
		return 0, 0, ErrNoStreams
	case channel.VideoPID != 0:
		return channel.VideoPID, channel.VideoType, nil
	case len(channel.AC3PIDs) > 0:
		return channel.AC3PIDs[0], psi.StreamTypePrivatePES, nil
	default:
		return channel.AudioPIDs[0], psi.StreamTypeMPEG2Audio, nil
	}
}

// Start launches the analyzer goroutine and arms Receive.
func (r *Recorder) Start() {
	r.running.set(true)
	go r.action()
}

// Receive copies a burst of TS packets into the ring buffer. It is
// called from the producer's thread and never blocks; bytes that do
// not fit are dropped and accounted as overflow.
func (r *Recorder) Receive(p []byte) {
	if !r.running.get() {
		return
	}
	n := r.ring.Put(p)
	r.stats.BytesReceived.Add(int64(n))
	if n != len(p) && r.running.get() {
		r.ring.ReportOverflow(len(p) - n)
	}
}

// Stop requests a soft cancel: the analyzer keeps writing until the
// next independent frame so the final segment stays playable, then
// exits. Stop returns once the analyzer is done or after the grace
// period.
func (r *Recorder) Stop() {
	r.running.set(false)
	select {
	case <-r.done:
	case <-time.After(stopGrace):
		r.log.Error("analyzer did not terminate within grace period")
	}
}

// Done is closed when the analyzer has terminated.
func (r *Recorder) Done() <-chan struct{} {
	return r.done
}

// FramesPerSecond returns the learned frame rate, or 0 before sync.
func (r *Recorder) FramesPerSecond() float64 {
	return r.detector.FramesPerSecond()
}

// action is the analyzer/writer loop.
func (r *Recorder) action() {
	defer close(r.done)
	defer r.closeFiles()

	last := time.Now()
	for {
		b := r.ring.Get(getTimeout)
		if b == nil {
			if !r.running.get() {
				return
			}
			if time.Since(last) > r.cfg.MaxBrokenTimeout {
				r.log.Error("video data stream broken")
				r.stats.WatchdogTrips.Add(1)
				if r.cfg.EmergencyStop != nil {
					r.cfg.EmergencyStop()
				}
				last = time.Now()
			}
			continue
		}

		count := r.detector.Analyze(b)
		if count == 0 {
			if !r.running.get() {
				return
			}
			// A partial packet at the head; wait for the remainder.
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if r.detector.NewFrame() {
			if !r.running.get() && r.detector.IndependentFrame() {
				return // finish the recording before the next independent frame
			}
			if r.detector.Synced() {
				if err := r.frameStart(); err != nil {
					r.log.Error("recording failed", "error", err)
					return
				}
			}
		}

		if r.detector.Synced() {
			n, err := r.file.Write(b[:count])
			if err != nil || n != count {
				r.log.Error("write failed, closing recording",
					"path", r.fileName.Path(), "written", n, "error", err)
				return
			}
			r.fileSize += int64(count)
			r.stats.BytesWritten.Add(int64(count))
		}

		r.ring.Del(count)
		last = time.Now()
	}
}

// frameStart handles the bookkeeping at the first packet of a frame:
// the one-time info sidecar, segment rotation and PAT/PMT injection at
// independent frames, and the index entry.
func (r *Recorder) frameStart() error {
	if !r.infoWritten {
		if err := segment.WriteInfo(r.dir, r.detector.FramesPerSecond()); err != nil {
			r.log.Error("can't write recording info", "error", err)
		}
		r.log.Info("recording synced", "fps", r.detector.FramesPerSecond())
		r.infoWritten = true
	}

	independent := r.detector.IndependentFrame()
	if independent {
		if err := r.nextFileIfNeeded(); err != nil {
			return err
		}
	}

	if r.index != nil {
		r.index.Write(independent, r.fileName.Number(), r.fileSize)
	}
	r.stats.Frames.Add(1)

	if independent {
		r.stats.IndependentFrames.Add(1)
		if err := r.writePacket(r.generator.PAT()); err != nil {
			return err
		}
		for i := 0; ; i++ {
			pmt := r.generator.PMT(i)
			if pmt == nil {
				break
			}
			if err := r.writePacket(pmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// nextFileIfNeeded rotates to the next segment file when the size limit
// is exceeded or disk space runs low. Only called at independent-frame
// boundaries, so every file starts with an independent frame.
func (r *Recorder) nextFileIfNeeded() error {
	if r.fileSize <= r.cfg.MaxFileSizeMiB<<20 && !r.disk.RunningLow() {
		return nil
	}
	file, err := r.fileName.Next()
	if err != nil {
		return err
	}
	r.log.Info("next segment file", "path", r.fileName.Path())
	r.file = file
	r.fileSize = 0
	r.stats.Segments.Add(1)
	return nil
}

// writePacket writes a single 188-byte table packet; any short write is
// fatal for the recording.
func (r *Recorder) writePacket(pkt []byte) error {
	n, err := r.file.Write(pkt)
	if err != nil {
		return fmt.Errorf("recorder: write %s: %w", r.fileName.Path(), err)
	}
	if n != len(pkt) {
		return fmt.Errorf("recorder: short write on %s (%d of %d)", r.fileName.Path(), n, len(pkt))
	}
	r.fileSize += int64(n)
	r.stats.BytesWritten.Add(int64(n))
	return nil
}

func (r *Recorder) closeFiles() {
	if r.index != nil {
		r.index.Close()
	}
	if err := r.fileName.Close(); err != nil {
		r.log.Error("closing segment file failed", "error", err)
	}
}
