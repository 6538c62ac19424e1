// Package frame infers the frame structure of an elementary stream from
// raw TS packets: frame rate (learned from PTS deltas without a priori
// knowledge), frame starts, and independent frames usable as segment
// and seek boundaries.
package frame

import (
	"log/slog"
	"sort"

	"github.com/dvbkit/tsdvr/internal/mpegts"
	"github.com/dvbkit/tsdvr/internal/psi"
)

// maxPTSValues bounds the PTS samples collected while learning the
// frame duration.
const maxPTSValues = 16

// Detector scans the TS packets of one PID for frame boundaries. It
// starts in a learning phase collecting PTS samples until the frame
// duration is known and an independent frame has been seen, then flags
// frame starts packet-exactly so the caller can inject PAT/PMT ahead of
// independent frames.
type Detector struct {
	log  *slog.Logger
	pid  uint16
	typ  uint8
	disabled bool

	synced           bool
	newFrame         bool
	independentFrame bool

	ptsValues    [maxPTSValues]int64
	numPTSValues int
	numIFrames   int

	isVideo              bool
	frameDuration        int64 // 90 kHz ticks
	framesInPayloadUnit  int
	framesPerPayloadUnit int // negative: one frame spans that many payload units
	payloadUnitOfFrame   int

	scanning bool
	scanner  uint32
}

// NewDetector creates a detector for the given PID and PMT stream type.
// If log is nil, slog.Default() is used.
func NewDetector(pid uint16, streamType uint8, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		log: log.With("component", "frame-detector", "pid", pid),
		pid: pid,
		typ: streamType,
		isVideo: streamType == psi.StreamTypeMPEG1Video ||
			streamType == psi.StreamTypeMPEG2Video ||
			streamType == psi.StreamTypeH264Video,
	}
}

// Synced reports whether the frame duration is known and an independent
// frame has been seen.
func (d *Detector) Synced() bool {
	return d.synced
}

// NewFrame reports whether the chunk returned by the last Analyze call
// holds a frame start; see Analyze for where in the chunk it lies.
func (d *Detector) NewFrame() bool {
	return d.newFrame
}

// IndependentFrame reports whether that frame start is an independent
// frame (I-frame, IDR, or audio frame).
func (d *Detector) IndependentFrame() bool {
	return d.independentFrame
}

// FrameDuration returns the learned frame duration in 90 kHz ticks, or
// 0 while still learning.
func (d *Detector) FrameDuration() int64 {
	return d.frameDuration
}

// FramesPerSecond returns the learned frame rate, or 0 while still
// learning.
func (d *Detector) FramesPerSecond() float64 {
	if d.frameDuration == 0 {
		return 0
	}
	return 90000.0 / float64(d.frameDuration)
}

// Analyze scans the TS packets in data and returns the number of bytes
// processed. Once synced, a chunk ends just before the packet starting
// the next frame, so each returned chunk whose NewFrame flag is set
// begins with a frame start and the caller can emit PAT/PMT before
// writing it. The call in which sync is reached is the exception: its
// chunk also holds the packets scanned while learning, so the flagged
// frame start need not be at the beginning of that chunk.
func (d *Detector) Analyze(data []byte) int {
	processed := 0
	d.newFrame = false
	d.independentFrame = false
	for len(data) >= mpegts.PacketSize {
		if data[0] != mpegts.SyncByte {
			skipped := 1
			for skipped < len(data) &&
				(data[skipped] != mpegts.SyncByte ||
					len(data)-skipped > mpegts.PacketSize && data[skipped+mpegts.PacketSize] != mpegts.SyncByte) {
				skipped++
			}
			d.log.Error("skipped bytes to sync on start of TS packet", "bytes", skipped)
			return processed + skipped
		}
		if !d.disabled && mpegts.HasPayload(data) && !mpegts.IsScrambled(data) && mpegts.PID(data) == d.pid {
			if mpegts.PayloadStart(data) {
				if d.frameDuration == 0 {
					d.learn(data)
				}
				d.scanner = 0
				d.scanning = true
			}
			if d.scanning {
				if n := d.scan(data, processed); n >= 0 {
					return n
				}
			}
		}
		data = data[mpegts.PacketSize:]
		processed += mpegts.PacketSize
	}
	return processed
}

// learn collects PTS samples at payload-unit starts and, once enough
// samples and independent frames have been seen, derives the frame
// duration from the smallest successive PTS delta.
func (d *Detector) learn(pkt []byte) {
	if d.numPTSValues < maxPTSValues && d.numIFrames < 2 {
		pes := pkt[mpegts.PayloadOffset(pkt):mpegts.PacketSize]
		if !mpegts.PESHasPTS(pes) {
			return
		}
		pts := mpegts.PESPTS(pes)
		if d.numPTSValues > 0 && d.ptsValues[d.numPTSValues-1] > 0xF0000000 && pts < 0x10000000 {
			// PTS rollover: restart the collection.
			d.log.Debug("PTS rollover during frame duration detection")
			d.numPTSValues = 0
			d.numIFrames = 0
			return
		}
		d.ptsValues[d.numPTSValues] = pts
		d.numPTSValues++
		return
	}

	if d.numPTSValues < 2 {
		return // not enough samples for a delta yet
	}

	// Find the smallest successive delta.
	values := d.ptsValues[:d.numPTSValues]
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	deltas := make([]int64, 0, len(values)-1)
	for i := 0; i < len(values)-1; i++ {
		deltas = append(deltas, values[i+1]-values[i])
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i] < deltas[j] })
	delta := deltas[0]

	if d.isVideo {
		switch {
		case delta%3600 == 0:
			d.frameDuration = 3600 // PAL, 25 fps
		case delta%3003 == 0:
			d.frameDuration = 3003 // NTSC, 29.97 fps
		case delta == 1800:
			d.frameDuration = 3600 // PAL, 25 fps, two payload units per frame
			d.framesPerPayloadUnit = -2
		case delta == 1501:
			d.frameDuration = 3003 // NTSC, 29.97 fps, two payload units per frame
			d.framesPerPayloadUnit = -2
		default:
			d.frameDuration = 3600
			d.log.Debug("unknown frame duration, assuming 25 fps", "delta", delta)
		}
	} else {
		d.frameDuration = delta // PTS of audio frames is always increasing
	}
	d.log.Debug("frame duration learned",
		"duration", d.frameDuration,
		"fps", d.FramesPerSecond(),
		"frames_per_payload_unit", d.framesPerPayloadUnit,
	)
}

// scan runs the rolling start-code scanner over the packet's payload.
// It returns processed when the call must end at this packet boundary
// (a new frame follows), or -1 to continue with the next packet.
func (d *Detector) scan(pkt []byte, processed int) int {
	payloadOffset := mpegts.PayloadOffset(pkt)
	if mpegts.PayloadStart(pkt) {
		payloadOffset += mpegts.PESPayloadOffset(pkt[payloadOffset:mpegts.PacketSize])
		if payloadOffset > mpegts.PacketSize {
			payloadOffset = mpegts.PacketSize
		}
		if d.framesPerPayloadUnit == 0 {
			d.framesPerPayloadUnit = d.framesInPayloadUnit
		}
	}
	for i := payloadOffset; d.scanning && i < mpegts.PacketSize; i++ {
		d.scanner <<= 8
		d.scanner |= uint32(pkt[i])
		switch d.typ {
		case psi.StreamTypeMPEG1Video, psi.StreamTypeMPEG2Video:
			if d.scanner == 0x00000100 { // picture start code
				if d.synced && processed > 0 {
					return processed
				}
				d.newFrame = true
				d.independentFrame = i+2 < len(pkt) && pkt[i+2]>>3&0x07 == 1 // I-frame
				if d.synced {
					if d.framesPerPayloadUnit <= 1 {
						d.scanning = false
					}
				} else {
					d.framesInPayloadUnit++
					if d.independentFrame {
						d.numIFrames++
					}
				}
				d.scanner = 0
			}

		case psi.StreamTypeH264Video:
			if d.scanner == 0x00000109 { // access unit delimiter
				if d.synced && processed > 0 {
					return processed
				}
				d.newFrame = true
				d.independentFrame = i+1 < len(pkt) && pkt[i+1] == 0x10 // IDR
				if d.synced {
					if d.framesPerPayloadUnit < 0 {
						d.payloadUnitOfFrame = (d.payloadUnitOfFrame + 1) % -d.framesPerPayloadUnit
						if d.payloadUnitOfFrame != 0 && d.independentFrame {
							d.payloadUnitOfFrame = 0
						}
						if d.payloadUnitOfFrame != 0 {
							d.newFrame = false
						}
					}
					if d.framesPerPayloadUnit <= 1 {
						d.scanning = false
					}
				} else {
					d.framesInPayloadUnit++
					if d.independentFrame {
						d.numIFrames++
					}
				}
				d.scanner = 0
			}

		case psi.StreamTypeMPEG2Audio, psi.StreamTypePrivatePES:
			// Every payload unit is one self-contained audio frame.
			if d.synced && processed > 0 {
				return processed
			}
			d.newFrame = true
			d.independentFrame = true
			if !d.synced {
				d.framesInPayloadUnit = 1
				if mpegts.PayloadStart(pkt) {
					d.numIFrames++
				}
			}
			d.scanning = false

		default:
			d.log.Error("unknown stream type in frame detector", "stream_type", d.typ)
			d.disabled = true
			d.scanning = false
		}
	}
	if !d.synced && d.frameDuration != 0 && d.independentFrame {
		d.synced = true
	}
	return -1
}
