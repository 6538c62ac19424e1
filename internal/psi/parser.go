package psi

import (
	"log/slog"
	"strings"

	"github.com/dvbkit/tsdvr/internal/mpegts"
)

// Parser assembles PAT and PMT sections from TS packets and surfaces
// the contained stream layout as a Channel. The PAT is assumed to fit a
// single TS packet; the PMT may span several, so continuation packets
// are appended until the declared section length is reached. Sections
// whose version equals the last accepted one are ignored, and sections
// failing the CRC check are discarded along with the assembly buffer.
type Parser struct {
	log        *slog.Logger
	pmtPID     int
	patVersion int
	pmtVersion int
	pmtBuf     []byte
	channel    Channel
	complete   bool
}

// NewParser returns a parser with no accepted tables. If log is nil,
// slog.Default() is used.
func NewParser(log *slog.Logger) *Parser {
	if log == nil {
		log = slog.Default()
	}
	p := &Parser{log: log.With("component", "psi-parser")}
	p.Reset()
	return p
}

// Reset forgets all accepted tables and any partial assembly.
func (p *Parser) Reset() {
	p.pmtPID = -1
	p.patVersion = -1
	p.pmtVersion = -1
	p.pmtBuf = nil
	p.channel = Channel{}
	p.complete = false
}

// PMTPID returns the PID learned from the PAT, or -1.
func (p *Parser) PMTPID() int {
	return p.pmtPID
}

// Versions returns the last accepted PAT and PMT versions; ok is false
// until both tables have been accepted.
func (p *Parser) Versions() (patVersion, pmtVersion int, ok bool) {
	return p.patVersion, p.pmtVersion, p.patVersion >= 0 && p.pmtVersion >= 0
}

// Channel returns a copy of the stream layout parsed from the PMT; ok
// is false until a PMT has been accepted.
func (p *Parser) Channel() (Channel, bool) {
	return p.channel, p.complete
}

// Parse routes a TS packet to the PAT or PMT decoder based on its PID.
func (p *Parser) Parse(pkt []byte) {
	if len(pkt) < mpegts.PacketSize || !mpegts.HasPayload(pkt) {
		return
	}
	switch int(mpegts.PID(pkt)) {
	case mpegts.PIDPAT:
		p.ParsePAT(pkt)
	case p.pmtPID:
		p.ParsePMT(pkt)
	}
}

// sectionTotalLength returns the full section size declared in a
// section header, including the 3 header bytes.
func sectionTotalLength(data []byte) int {
	return 3 + (int(data[1]&0x0F)<<8 | int(data[2]))
}

// ParsePAT decodes a PAT packet and records the PMT PID of the last
// non-NIT program it lists.
func (p *Parser) ParsePAT(pkt []byte) {
	data := pkt[mpegts.PayloadOffset(pkt):mpegts.PacketSize]
	if len(data) < 1 {
		return
	}
	pointer := int(data[0])
	if len(data) <= 1+pointer {
		return
	}
	data = data[1+pointer:]
	if len(data) < 12 {
		return
	}
	total := sectionTotalLength(data)
	if total > len(data) {
		return // the PAT is assumed to fit into a single TS packet
	}
	section := data[:total]
	if !mpegts.CheckCRC32(section) {
		p.log.Error("can't parse PAT: CRC mismatch")
		return
	}
	version := int(section[5] >> 1 & 0x1F)
	if version == p.patVersion {
		return
	}
	for i := 8; i+4 <= total-4; i += 4 {
		programNumber := uint16(section[i])<<8 | uint16(section[i+1])
		if programNumber == 0 {
			continue // NIT
		}
		p.pmtPID = int(section[i+2]&0x1F)<<8 | int(section[i+3])
	}
	p.patVersion = version
}

// ParsePMT feeds a PMT packet into the section assembly and, once the
// section is complete, decodes the stream loop into the channel.
func (p *Parser) ParsePMT(pkt []byte) {
	payloadStart := mpegts.PayloadStart(pkt)
	data := pkt[mpegts.PayloadOffset(pkt):mpegts.PacketSize]

	if payloadStart {
		if len(data) < 1 || len(data) <= 1+int(data[0]) {
			return
		}
		data = data[1+int(data[0]):] // pointer field
		if len(data) < 3 {
			return
		}
		if sectionTotalLength(data) > len(data) {
			if len(data) <= maxSectionSize {
				p.pmtBuf = append(p.pmtBuf[:0], data...)
			} else {
				p.log.Error("PMT packet length too big", "length", len(data))
				p.pmtBuf = nil
			}
			return // more packets to come
		}
		// The packet contains the entire section.
		p.parsePMTSection(data[:sectionTotalLength(data)])
		return
	}

	if len(p.pmtBuf) == 0 {
		return // fragment of a broken section
	}
	if len(p.pmtBuf)+len(data) > maxSectionSize {
		p.log.Error("PMT section length too big", "length", len(p.pmtBuf)+len(data))
		p.pmtBuf = nil
		return
	}
	p.pmtBuf = append(p.pmtBuf, data...)
	if sectionTotalLength(p.pmtBuf) > len(p.pmtBuf) {
		return // more packets to come
	}
	section := p.pmtBuf[:sectionTotalLength(p.pmtBuf)]
	p.parsePMTSection(section)
	p.pmtBuf = nil
}

func (p *Parser) parsePMTSection(section []byte) {
	if len(section) < 16 || !mpegts.CheckCRC32(section) {
		p.log.Error("can't parse PMT: CRC mismatch")
		p.pmtBuf = nil
		return
	}
	version := int(section[5] >> 1 & 0x1F)
	if version == p.pmtVersion {
		return
	}

	ch := Channel{
		PCRPID: uint16(section[8]&0x1F)<<8 | uint16(section[9]),
	}
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	offset := 12 + programInfoLength
	end := len(section) - 4 // strip the CRC

	for offset+5 <= end {
		streamType := section[offset]
		pid := uint16(section[offset+1]&0x1F)<<8 | uint16(section[offset+2])
		esInfoLength := int(section[offset+3]&0x0F)<<8 | int(section[offset+4])
		offset += 5
		if offset+esInfoLength > end {
			break
		}
		descriptors := section[offset : offset+esInfoLength]
		offset += esInfoLength

		switch streamType {
		case StreamTypeMPEG1Video, StreamTypeMPEG2Video, StreamTypeH264Video:
			ch.VideoPID = pid
			ch.VideoType = streamType

		case StreamTypeMPEG2Audio:
			ch.AudioPIDs = append(ch.AudioPIDs, pid)
			ch.AudioLangs = append(ch.AudioLangs, languageFromDescriptors(descriptors))

		case StreamTypePrivatePES:
			p.parsePrivateStream(&ch, pid, descriptors)
		}
	}

	p.channel = ch
	p.pmtVersion = version
	p.complete = true
}

// parsePrivateStream classifies a private PES stream by its descriptors
// into AC-3 audio, DVB subtitles, or teletext.
func (p *Parser) parsePrivateStream(ch *Channel, pid uint16, descriptors []byte) {
	var (
		isAC3    bool
		language string
	)
	for len(descriptors) >= 2 {
		tag := descriptors[0]
		length := int(descriptors[1])
		if 2+length > len(descriptors) {
			break
		}
		body := descriptors[2 : 2+length]
		descriptors = descriptors[2+length:]

		switch tag {
		case tagAC3:
			isAC3 = true

		case tagSubtitling:
			ch.SubtitlePIDs = append(ch.SubtitlePIDs, pid)
			ch.SubtitleLangs = append(ch.SubtitleLangs, joinSubtitleLanguages(body))

		case tagTeletext:
			ch.TeletextPID = pid
			for i := 0; i+5 <= len(body); i += 5 {
				ch.TeletextPages = append(ch.TeletextPages, TeletextPage{
					Language: strings.TrimRight(string(body[i:i+3]), " "),
					Type:     body[i+3] >> 3,
					Magazine: body[i+3] & 0x07,
					Page:     body[i+4],
				})
			}

		case tagISO639Language:
			language = firstLanguage(body)
		}
	}
	if isAC3 {
		ch.AC3PIDs = append(ch.AC3PIDs, pid)
		ch.AC3Langs = append(ch.AC3Langs, language)
	}
}

// languageFromDescriptors extracts the ISO-639 languages of an audio
// stream entry, accumulating across descriptors and joining at most two
// with '+'.
func languageFromDescriptors(descriptors []byte) string {
	var langs []string
	for len(descriptors) >= 2 {
		tag := descriptors[0]
		length := int(descriptors[1])
		if 2+length > len(descriptors) {
			break
		}
		if tag == tagISO639Language {
			langs = appendLanguages(langs, descriptors[2:2+length], 4)
		}
		descriptors = descriptors[2+length:]
	}
	return strings.Join(langs, "+")
}

// firstLanguage returns the first language code of an ISO-639
// descriptor body.
func firstLanguage(body []byte) string {
	langs := appendLanguages(nil, body, 4)
	if len(langs) == 0 {
		return ""
	}
	return langs[0]
}

// appendLanguages walks fixed-size language entries (language code in
// the leading three bytes), collecting at most two valid codes. Codes
// starting with '-' mean "none" and are skipped.
func appendLanguages(langs []string, body []byte, stride int) []string {
	for i := 0; i+stride <= len(body) && len(langs) < 2; i += stride {
		code := strings.TrimRight(string(body[i:i+3]), " ")
		if code == "" || code[0] == '-' {
			continue
		}
		langs = append(langs, code)
	}
	return langs
}

// joinSubtitleLanguages extracts languages from an 8-byte-per-entry
// subtitling descriptor body.
func joinSubtitleLanguages(body []byte) string {
	return strings.Join(appendLanguages(nil, body, 8), "+")
}
