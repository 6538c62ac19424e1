package mpegts

import "testing"

// encodePTS encodes a 33-bit PTS/DTS value into 5 bytes with marker bits.
func encodePTS(marker byte, value int64) []byte {
	bs := make([]byte, 5)
	bs[0] = marker<<4 | byte((value>>29)&0x0E) | 0x01
	bs[1] = byte(value >> 22)
	bs[2] = byte((value>>14)&0xFE) | 0x01
	bs[3] = byte(value >> 7)
	bs[4] = byte((value<<1)&0xFE) | 0x01
	return bs
}

// buildPES constructs an MPEG-2 PES packet with an optional PTS.
func buildPES(streamID byte, pts int64, hasPTS bool, data []byte) []byte {
	var optHeader []byte
	ptsDTSIndicator := byte(0)
	if hasPTS {
		ptsDTSIndicator = 2
		optHeader = encodePTS(0x02, pts)
	}

	buf := make([]byte, 0, 9+len(optHeader)+len(data))
	buf = append(buf, 0x00, 0x00, 0x01) // start code
	buf = append(buf, streamID)
	buf = append(buf, 0x00, 0x00) // packet length: unbounded
	buf = append(buf, 0x80)       // marker bits
	buf = append(buf, ptsDTSIndicator<<6)
	buf = append(buf, byte(len(optHeader))) // PES_header_data_length
	buf = append(buf, optHeader...)
	buf = append(buf, data...)
	return buf
}

func TestAnalyzePESHeader_MPEG2(t *testing.T) {
	t.Parallel()
	pes := buildPES(0xE0, 90000, true, []byte{0xAA, 0xBB})

	typ, offset, continuation := AnalyzePESHeader(pes)
	if typ != PESMPEG2 {
		t.Fatalf("type = %d, want PESMPEG2", typ)
	}
	if offset != 14 {
		t.Errorf("payload offset = %d, want 14", offset)
	}
	if continuation {
		t.Error("continuation should be false")
	}
	if pes[offset] != 0xAA {
		t.Errorf("payload byte = 0x%02X, want 0xAA", pes[offset])
	}
}

func TestAnalyzePESHeader_MPEG2Continuation(t *testing.T) {
	t.Parallel()
	pes := buildPES(0xE0, 0, false, []byte{0xAA})

	typ, offset, continuation := AnalyzePESHeader(pes)
	if typ != PESMPEG2 {
		t.Fatalf("type = %d, want PESMPEG2", typ)
	}
	if offset != 9 {
		t.Errorf("payload offset = %d, want 9", offset)
	}
	if !continuation {
		t.Error("continuation should be true for a bare header")
	}
}

func TestAnalyzePESHeader_MPEG1(t *testing.T) {
	t.Parallel()
	// MPEG-1 header: start code, stream id, length, two stuffing bytes,
	// STD buffer bits, PTS.
	pes := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00}
	pes = append(pes, 0xFF, 0xFF)       // stuffing
	pes = append(pes, 0x40, 0x00)       // STD_buffer_scale/size
	pes = append(pes, encodePTS(0x02, 90000)...)
	pes = append(pes, 0xAA)

	typ, offset, continuation := AnalyzePESHeader(pes)
	if typ != PESMPEG1 {
		t.Fatalf("type = %d, want PESMPEG1", typ)
	}
	if offset != 15 {
		t.Errorf("payload offset = %d, want 15", offset)
	}
	if continuation {
		t.Error("continuation should be false")
	}
}

func TestAnalyzePESHeader_Short(t *testing.T) {
	t.Parallel()
	typ, _, _ := AnalyzePESHeader([]byte{0x00, 0x00, 0x01, 0xE0})
	if typ != PESNeedMoreData {
		t.Errorf("type = %d, want PESNeedMoreData", typ)
	}
}

func TestAnalyzePESHeader_Invalid(t *testing.T) {
	t.Parallel()
	// MPEG-1 path with an unknown flags byte.
	pes := []byte{0x00, 0x00, 0x01, 0xE0, 0x00, 0x00, 0x55, 0x00, 0x00}
	typ, _, _ := AnalyzePESHeader(pes)
	if typ != PESInvalid {
		t.Errorf("type = %d, want PESInvalid", typ)
	}
}

func TestPESPTS(t *testing.T) {
	t.Parallel()
	const want = (1 << 33) - 1 // all 33 bits set
	pes := buildPES(0xE0, want, true, nil)
	if !PESHasPTS(pes) {
		t.Fatal("PESHasPTS should be true")
	}
	if got := PESPTS(pes); got != want {
		t.Errorf("PTS = %d, want %d", got, want)
	}

	noPTS := buildPES(0xE0, 0, false, []byte{0, 0, 0, 0, 0, 0})
	if PESHasPTS(noPTS) {
		t.Error("PESHasPTS should be false without the PTS flag")
	}
}

func TestStreamPTS(t *testing.T) {
	t.Parallel()
	var stream []byte
	// Continuation packet first, then a payload start without PTS on a
	// different PID, then the packet carrying the PTS.
	stream = append(stream, makePacket(100, 0, false, []byte{0xAA})...)
	stream = append(stream, makePacket(200, 0, true, buildPES(0xC0, 0, false, nil))...)
	stream = append(stream, makePacket(100, 1, true, buildPES(0xE0, 123456, true, nil))...)

	if got := StreamPTS(stream); got != 123456 {
		t.Errorf("StreamPTS = %d, want 123456", got)
	}

	if got := StreamPTS(stream[:PacketSize]); got != -1 {
		t.Errorf("StreamPTS without PTS = %d, want -1", got)
	}
}

func TestSetBrokenLink(t *testing.T) {
	t.Parallel()
	// Video PES with a GOP header; closed-GOP bit clear.
	gop := []byte{0x00, 0x00, 0x01, 0xB8, 0x00, 0x08, 0x00, 0x00}
	pes := buildPES(0xE0, 90000, true, gop)

	if !SetBrokenLink(pes) {
		t.Fatal("SetBrokenLink should find the GOP header")
	}
	if pes[14+7]&0x20 == 0 {
		t.Error("broken-link flag not set")
	}

	// Closed GOP stays untouched.
	closedGOP := []byte{0x00, 0x00, 0x01, 0xB8, 0x00, 0x08, 0x00, 0x40}
	pes = buildPES(0xE0, 90000, true, closedGOP)
	if !SetBrokenLink(pes) {
		t.Fatal("SetBrokenLink should find the GOP header")
	}
	if pes[14+7]&0x20 != 0 {
		t.Error("broken-link flag must not be set on a closed GOP")
	}

	// Audio PES is not touched.
	audio := buildPES(0xC0, 90000, true, gop)
	if SetBrokenLink(audio) {
		t.Error("SetBrokenLink should ignore non-video packets")
	}
}
