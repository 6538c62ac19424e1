package recorder

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvbkit/tsdvr/internal/mpegts"
	"github.com/dvbkit/tsdvr/internal/psi"
	"github.com/dvbkit/tsdvr/internal/segment"
)

// encodePTS encodes a 33-bit PTS value into 5 bytes with marker bits.
func encodePTS(value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = 0x02<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

func makePacket(pid uint16, cc uint8, pusi bool, payload []byte) []byte {
	buf := make([]byte, mpegts.PacketSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	buf[0] = mpegts.SyncByte
	buf[1] = byte(pid>>8) & 0x1F
	buf[2] = byte(pid)
	buf[3] = 0x10 | (cc & 0x0F)
	if pusi {
		buf[1] |= 0x40
	}
	copy(buf[4:], payload)
	return buf
}

// palStream builds a PAL MPEG-2 stream: one frame per payload unit, an
// I-frame every 12 frames, PTS delta 3600.
func palStream(pid uint16, frames int) []byte {
	var stream []byte
	cc := uint8(0)
	for i := 0; i < frames; i++ {
		codingType := byte(2)
		if i%12 == 0 {
			codingType = 1
		}
		pes := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x80, 0x80, 0x05}
		pes = append(pes, encodePTS(int64(90000+i*3600))...)
		pes = append(pes, 0x00, 0x00, 0x01, 0x00, 0x00, codingType<<3, 0x00, 0x00)
		stream = append(stream, makePacket(pid, cc, true, pes)...)
		cc = (cc + 1) & 0x0F
	}
	return stream
}

func palChannel() *psi.Channel {
	return &psi.Channel{
		VideoPID:  100,
		VideoType: psi.StreamTypeMPEG2Video,
		PCRPID:    100,
	}
}

func testConfig() Config {
	return Config{
		FreeDiskSpace: func(string) int { return 100000 },
	}
}

// waitFrames polls until the recorder has indexed at least n frames.
func waitFrames(t *testing.T, r *Recorder, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Snapshot().Frames >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d frames (got %d)", n, r.Snapshot().Frames)
}

func TestRecordPALStream(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r, err := New(dir, palChannel(), testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()

	// 150 frames; the detector syncs at the I-frame of the third GOP
	// (frame 24), so 126 frames are indexed.
	r.Receive(palStream(100, 150))
	waitFrames(t, r, 126)
	r.Stop()

	// The segment file begins with a PAT, then PMT packets whose parsed
	// video PID matches the channel.
	data, err := os.ReadFile(filepath.Join(dir, "001.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if len(data)%mpegts.PacketSize != 0 {
		t.Fatalf("segment size %d not packet-aligned", len(data))
	}
	first := data[:mpegts.PacketSize]
	if mpegts.PID(first) != mpegts.PIDPAT || !mpegts.PayloadStart(first) {
		t.Fatal("segment must begin with a PAT packet")
	}

	parser := psi.NewParser(nil)
	for off := 0; off < len(data) && off < 16*mpegts.PacketSize; off += mpegts.PacketSize {
		parser.Parse(data[off : off+mpegts.PacketSize])
	}
	channel, ok := parser.Channel()
	if !ok {
		t.Fatal("no complete PMT ahead of the first frame")
	}
	if channel.VideoPID != 100 {
		t.Errorf("parsed video PID = %d, want 100", channel.VideoPID)
	}

	// The index covers the synced frames with independents every 12.
	entries, err := segment.ReadIndexFile(filepath.Join(dir, "index"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 126 {
		t.Fatalf("index entries = %d, want 126", len(entries))
	}
	for i, e := range entries {
		want := i%12 == 0
		if e.Independent != want {
			t.Errorf("entry %d: independent = %v, want %v", i, e.Independent, want)
		}
		if e.FileNumber != 1 {
			t.Errorf("entry %d: file number = %d, want 1", i, e.FileNumber)
		}
	}
	if entries[0].Offset != 0 {
		t.Errorf("first entry offset = %d, want 0", entries[0].Offset)
	}

	// The sidecar captured the learned rate.
	fps, err := segment.ReadInfo(dir)
	if err != nil {
		t.Fatal(err)
	}
	if fps != 25.0 {
		t.Errorf("sidecar fps = %v, want 25", fps)
	}
}

func TestAudioOnlyRecording(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	channel := &psi.Channel{
		PCRPID:   200,
		AC3PIDs:  []uint16{200},
		AC3Langs: []string{"deu"},
	}
	r, err := New(dir, channel, testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()

	var stream []byte
	cc := uint8(0)
	for i := 0; i < 40; i++ {
		pes := []byte{0x00, 0x00, 0x01, 0xBD, 0x00, 0x00, 0x80, 0x80, 0x05}
		pes = append(pes, encodePTS(int64(90000+i*2880))...)
		pes = append(pes, 0x0B, 0x77, 0x00, 0x00)
		stream = append(stream, makePacket(200, cc, true, pes)...)
		cc = (cc + 1) & 0x0F
	}
	r.Receive(stream)

	// Audio syncs at the third payload unit; every frame is independent.
	waitFrames(t, r, 30)
	r.Stop()

	entries, err := segment.ReadIndexFile(filepath.Join(dir, "index"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 30 {
		t.Fatalf("index entries = %d, want >= 30", len(entries))
	}
	for i, e := range entries {
		if !e.Independent {
			t.Errorf("entry %d must be independent", i)
		}
	}

	data, err := os.ReadFile(filepath.Join(dir, "001.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if mpegts.PID(data[:mpegts.PacketSize]) != mpegts.PIDPAT {
		t.Error("audio segment must begin with a PAT packet")
	}
}

func TestDiskSpaceRotation(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	var low atomic.Bool
	cfg := Config{
		DiskCheckInterval: time.Nanosecond,
		FreeDiskSpace: func(string) int {
			if low.Load() {
				return 500
			}
			return 100000
		},
	}
	r, err := New(dir, palChannel(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()

	r.Receive(palStream(100, 60))
	waitFrames(t, r, 36)

	// Free space drops below the floor; the next independent frame must
	// open file 002.
	low.Store(true)
	r.Receive(palStream(100, 60))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.Snapshot().Segments >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Stop()

	if r.Snapshot().Segments < 2 {
		t.Fatal("low disk space must rotate to the next file")
	}

	// Both files exist and start with a PAT; rotation never happened
	// mid-segment.
	for _, name := range []string{"001.ts", "002.ts"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if len(data) == 0 || len(data)%mpegts.PacketSize != 0 {
			t.Fatalf("%s: size %d not packet-aligned", name, len(data))
		}
		if mpegts.PID(data[:mpegts.PacketSize]) != mpegts.PIDPAT {
			t.Errorf("%s must begin with a PAT packet", name)
		}
	}
}

func TestStopFinishesAtIndependentFrame(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r, err := New(dir, palChannel(), testConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()

	r.Receive(palStream(100, 60))
	waitFrames(t, r, 20)

	// More data is already buffered; Stop must return within the grace
	// period once the analyzer reaches the next independent frame.
	start := time.Now()
	r.Stop()
	if elapsed := time.Since(start); elapsed > stopGrace {
		t.Errorf("Stop took %v, want < %v", elapsed, stopGrace)
	}

	select {
	case <-r.Done():
	default:
		t.Error("analyzer must have terminated")
	}

	// The recording ends on a packet boundary.
	info, err := os.Stat(filepath.Join(dir, "001.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size()%mpegts.PacketSize != 0 {
		t.Errorf("final segment size %d not packet-aligned", info.Size())
	}
}

func TestWatchdogRequestsEmergencyStop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	stopped := make(chan struct{}, 1)
	cfg := testConfig()
	cfg.MaxBrokenTimeout = 100 * time.Millisecond
	cfg.EmergencyStop = func() {
		select {
		case stopped <- struct{}{}:
		default:
		}
	}
	r, err := New(dir, palChannel(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Stop()

	// No data ever arrives; the watchdog must fire.
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not request emergency stop")
	}
	if r.Snapshot().WatchdogTrips == 0 {
		t.Error("watchdog trips counter must be incremented")
	}
}

func TestRotationFailureTerminatesRecording(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("permission bits do not bind for root")
	}
	dir := t.TempDir()

	cfg := Config{
		DiskCheckInterval: time.Nanosecond,
		FreeDiskSpace:     func(string) int { return 500 }, // always low
	}
	r, err := New(dir, palChannel(), cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.Start()

	// With space always low, every independent frame of the first burst
	// rotates to a new file; once the directory is read-only, opening the
	// next file fails and the recording must terminate on its own.
	r.Receive(palStream(100, 60))
	waitFrames(t, r, 1)
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(dir, 0o755)
	r.Receive(palStream(100, 60))

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("recording did not terminate on rotation failure")
	}
}

func TestNewRejectsEmptyChannel(t *testing.T) {
	t.Parallel()
	_, err := New(t.TempDir(), &psi.Channel{}, testConfig(), nil)
	if !errors.Is(err, ErrNoStreams) {
		t.Errorf("err = %v, want ErrNoStreams", err)
	}
}
