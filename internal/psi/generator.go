package psi

import (
	"github.com/dvbkit/tsdvr/internal/mpegts"
)

const (
	pseudoTSID = 0x8008 // synthetic transport stream id
	basePMTPID = 0x0084 // first candidate for the generated PMT PID

	maxSectionSize = 4096

	payloadStartFlag = 0x40
)

// DVB descriptor tags emitted into PMT stream entries.
const (
	tagISO639Language = 0x0A
	tagTeletext       = 0x56
	tagSubtitling     = 0x59
	tagAC3            = 0x6A
)

// Generator produces the PAT and PMT packets injected ahead of every
// independent frame. The PAT always fits one TS packet; the PMT section
// is split across as many packets as it needs. Each call to PAT or PMT
// bumps the continuity counter of the returned packet in place, and
// every regeneration bumps the 5-bit table versions.
type Generator struct {
	pmtPID     uint16
	pat        [mpegts.PacketSize]byte
	pmt        [][]byte
	patVersion uint8
	pmtVersion uint8
	patCounter uint8
	pmtCounter uint8

	// esInfoIndex is the position of the ES-info-length field of the
	// stream entry currently being built, so descriptors can grow it
	// in place while the section buffer fills up.
	esInfoIndex int
}

// NewGenerator builds the tables for the given channel.
func NewGenerator(channel *Channel) *Generator {
	g := &Generator{esInfoIndex: -1}
	g.SetChannel(channel)
	return g
}

// SetVersions seeds the 5-bit table versions, typically from a previous
// recording of the same channel.
func (g *Generator) SetVersions(patVersion, pmtVersion uint8) {
	g.patVersion = patVersion & 0x1F
	g.pmtVersion = pmtVersion & 0x1F
}

// SetChannel regenerates the PMT PID, PAT, and PMT for a channel and
// increments the stored versions.
func (g *Generator) SetChannel(channel *Channel) {
	if channel == nil {
		return
	}
	g.generatePMTPID(channel)
	g.generatePAT()
	g.generatePMT(channel)
}

// PMTPID returns the generated program map PID.
func (g *Generator) PMTPID() uint16 {
	return g.pmtPID
}

// PAT returns the PAT packet, bumping its continuity counter.
func (g *Generator) PAT() []byte {
	incCounter(&g.patCounter, g.pat[:])
	return g.pat[:]
}

// PMTCount returns the number of TS packets the PMT section occupies.
func (g *Generator) PMTCount() int {
	return len(g.pmt)
}

// PMT returns the i-th PMT packet, bumping its continuity counter, or
// nil when i is past the last packet.
func (g *Generator) PMT(i int) []byte {
	if i < 0 || i >= len(g.pmt) {
		return nil
	}
	incCounter(&g.pmtCounter, g.pmt[i])
	return g.pmt[i]
}

// incCounter stores the counter in the packet header and increments it
// modulo 16.
func incCounter(counter *uint8, pkt []byte) {
	pkt[3] = pkt[3]&0xF0 | *counter
	*counter = (*counter + 1) & 0x0F
}

// incVersion increments a 5-bit table version.
func incVersion(version *uint8) {
	*version = (*version + 1) & 0x1F
}

// makeCRC appends the MPEG-2 CRC over data to target.
func makeCRC(target, data []byte) int {
	crc := mpegts.CRC32(data)
	target[0] = byte(crc >> 24)
	target[1] = byte(crc >> 16)
	target[2] = byte(crc >> 8)
	target[3] = byte(crc)
	return 4
}

// langBytes returns the first three bytes of an ISO-639 language code,
// padded with spaces.
func langBytes(language string) []byte {
	b := []byte{' ', ' ', ' '}
	copy(b, language)
	return b
}

// langAt returns the n-th language of a parallel language slice, or ""
// when the slice is shorter.
func langAt(langs []string, n int) string {
	if n < len(langs) {
		return langs[n]
	}
	return ""
}

// generatePMTPID scans the PIDs the channel already occupies and picks
// the first free PID at or above basePMTPID.
func (g *Generator) generatePMTPID(channel *Channel) {
	var used [mpegts.MaxPID]bool
	set := func(pid uint16) {
		if int(pid) < len(used) {
			used[pid] = true
		}
	}
	set(channel.VideoPID)
	set(channel.PCRPID)
	set(channel.TeletextPID)
	for _, pid := range channel.AudioPIDs {
		set(pid)
	}
	for _, pid := range channel.AC3PIDs {
		set(pid)
	}
	for _, pid := range channel.SubtitlePIDs {
		set(pid)
	}
	for g.pmtPID = basePMTPID; used[g.pmtPID]; g.pmtPID++ {
	}
}

func (g *Generator) generatePAT() {
	p := g.pat[:]
	for i := range p {
		p[i] = 0xFF
	}
	i := 0
	p[i] = mpegts.SyncByte
	i++
	p[i] = payloadStartFlag // flags (3), pid hi (5) -- PID 0
	i++
	p[i] = 0x00 // pid lo
	i++
	p[i] = 0x10 // flags (4), continuity counter (4)
	i++
	p[i] = 0x00 // pointer field
	i++
	payloadStart := i
	p[i] = 0x00 // table id
	i++
	p[i] = 0xB0 // section syntax indicator (1), dummy (3), section length hi (4)
	i++
	sectionLength := i
	p[i] = 0x00 // section length lo (filled in later)
	i++
	p[i] = pseudoTSID >> 8
	i++
	p[i] = pseudoTSID & 0xFF
	i++
	p[i] = 0xC1 | g.patVersion<<1 // dummy (2), version (5), current/next (1)
	i++
	p[i] = 0x00 // section number
	i++
	p[i] = 0x00 // last section number
	i++
	p[i] = byte(g.pmtPID >> 8) // program number hi
	i++
	p[i] = byte(g.pmtPID) // program number lo
	i++
	p[i] = 0xE0 | byte(g.pmtPID>>8) // dummy (3), PMT pid hi (5)
	i++
	p[i] = byte(g.pmtPID) // PMT pid lo
	i++
	p[sectionLength] = byte(i - sectionLength - 1 + 4) // +4 for the CRC
	i += makeCRC(p[i:], p[payloadStart:i])
	incVersion(&g.patVersion)
}

func (g *Generator) generatePMT(channel *Channel) {
	buf := make([]byte, maxSectionSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	g.pmt = nil
	g.esInfoIndex = -1

	pcrPID := channel.pcrPID()
	i := 0
	buf[i] = 0x02 // table id
	i++
	sectionLength := i
	buf[i] = 0xB0 // section syntax indicator (1), dummy (3), section length hi (4)
	i++
	buf[i] = 0x00 // section length lo (filled in later)
	i++
	buf[i] = byte(g.pmtPID >> 8) // program number hi
	i++
	buf[i] = byte(g.pmtPID) // program number lo
	i++
	buf[i] = 0xC1 | g.pmtVersion<<1 // dummy (2), version (5), current/next (1)
	i++
	buf[i] = 0x00 // section number
	i++
	buf[i] = 0x00 // last section number
	i++
	buf[i] = 0xE0 | byte(pcrPID>>8) // dummy (3), PCR pid hi (5)
	i++
	buf[i] = byte(pcrPID) // PCR pid lo
	i++
	buf[i] = 0xF0 // dummy (4), program info length hi (4)
	i++
	buf[i] = 0x00 // program info length lo
	i++

	if channel.VideoPID != 0 {
		i = g.makeStream(buf, i, channel.VideoType, channel.VideoPID)
	}
	for n, pid := range channel.AudioPIDs {
		i = g.makeStream(buf, i, StreamTypeMPEG2Audio, pid)
		lang := langAt(channel.AudioLangs, n)
		i = g.makeLanguageDescriptor(buf, i, lang)
		if len(lang) >= 7 && lang[3] == '+' {
			i = g.makeLanguageDescriptor(buf, i, lang[4:])
		}
	}
	for n, pid := range channel.AC3PIDs {
		i = g.makeStream(buf, i, StreamTypePrivatePES, pid)
		i = g.makeAC3Descriptor(buf, i)
		i = g.makeLanguageDescriptor(buf, i, langAt(channel.AC3Langs, n))
	}
	for n, pid := range channel.SubtitlePIDs {
		i = g.makeStream(buf, i, StreamTypePrivatePES, pid)
		i = g.makeSubtitlingDescriptor(buf, i, langAt(channel.SubtitleLangs, n))
	}
	if channel.TeletextPID != 0 {
		i = g.makeStream(buf, i, StreamTypePrivatePES, channel.TeletextPID)
		i = g.makeTeletextDescriptor(buf, i, channel.TeletextPages)
	}

	sl := i - sectionLength - 2 + 4 // +4 for the CRC
	buf[sectionLength] |= byte(sl>>8) & 0x0F
	buf[sectionLength+1] = byte(sl)
	i += makeCRC(buf[i:], buf[:i])

	// Split the section across TS packets; only the first one carries
	// the payload-unit-start indicator and the pointer field.
	q := buf[:i]
	pusi := true
	for len(q) > 0 {
		p := make([]byte, mpegts.PacketSize)
		for k := range p {
			p[k] = 0xFF
		}
		j := 0
		p[j] = mpegts.SyncByte
		j++
		p[j] = byte(g.pmtPID >> 8)
		if pusi {
			p[j] |= payloadStartFlag
		}
		j++
		p[j] = byte(g.pmtPID)
		j++
		p[j] = 0x10 // flags (4), continuity counter (4)
		j++
		if pusi {
			p[j] = 0x00 // pointer field
			j++
			pusi = false
		}
		n := copy(p[j:], q)
		q = q[n:]
		g.pmt = append(g.pmt, p)
	}
	incVersion(&g.pmtVersion)
}

// makeStream writes a stream entry header at buf[i] and records the
// position of its ES-info-length field for the descriptors that follow.
// It returns the new write position.
func (g *Generator) makeStream(buf []byte, i int, streamType uint8, pid uint16) int {
	buf[i] = streamType
	buf[i+1] = 0xE0 | byte(pid>>8) // dummy (3), pid hi (5)
	buf[i+2] = byte(pid)
	g.esInfoIndex = i + 3
	buf[i+3] = 0xF0 // dummy (4), ES info length hi
	buf[i+4] = 0x00 // ES info length lo
	return i + 5
}

// incESInfoLength grows the ES-info-length of the current stream entry.
func (g *Generator) incESInfoLength(buf []byte, length int) {
	if g.esInfoIndex < 0 {
		return
	}
	l := int(buf[g.esInfoIndex]&0x0F)<<8 | int(buf[g.esInfoIndex+1])
	l += length
	buf[g.esInfoIndex] = 0xF0 | byte(l>>8)
	buf[g.esInfoIndex+1] = byte(l)
}

func (g *Generator) makeAC3Descriptor(buf []byte, i int) int {
	buf[i] = tagAC3
	buf[i+1] = 0x01 // length
	buf[i+2] = 0x00
	g.incESInfoLength(buf, 3)
	return i + 3
}

func (g *Generator) makeLanguageDescriptor(buf []byte, i int, language string) int {
	buf[i] = tagISO639Language
	buf[i+1] = 0x04 // length
	copy(buf[i+2:i+5], langBytes(language))
	buf[i+5] = 0x01 // audio type
	g.incESInfoLength(buf, 6)
	return i + 6
}

func (g *Generator) makeSubtitlingDescriptor(buf []byte, i int, language string) int {
	buf[i] = tagSubtitling
	buf[i+1] = 0x08 // length
	copy(buf[i+2:i+5], langBytes(language))
	buf[i+5] = 0x00 // subtitling type
	buf[i+6] = 0x00 // composition page id hi
	buf[i+7] = 0x01 // composition page id lo
	buf[i+8] = 0x00 // ancillary page id hi
	buf[i+9] = 0x01 // ancillary page id lo
	g.incESInfoLength(buf, 10)
	return i + 10
}

func (g *Generator) makeTeletextDescriptor(buf []byte, i int, pages []TeletextPage) int {
	if len(pages) == 0 {
		return i
	}
	buf[i] = tagTeletext
	buf[i+1] = byte(len(pages) * 5)
	j := i + 2
	for _, page := range pages {
		copy(buf[j:j+3], langBytes(page.Language))
		buf[j+3] = page.Type<<3 | page.Magazine&0x07
		buf[j+4] = page.Page
		j += 5
	}
	g.incESInfoLength(buf, j-i)
	return j
}
