// Package psi generates and parses the program association and program
// map tables embedded in a recording so that the resulting files are
// self-describing. The generator produces bit-exact ISO/IEC 13818-1
// sections with an MPEG-2 CRC-32 trailer; the parser assembles sections
// from TS packets and surfaces the contained stream layout.
package psi

// Elementary stream types referenced by the recorder.
const (
	StreamTypeMPEG1Video = 0x01
	StreamTypeMPEG2Video = 0x02
	StreamTypeMPEG2Audio = 0x04
	StreamTypePrivatePES = 0x06 // AC-3, DVB subtitles, teletext
	StreamTypeH264Video  = 0x1B
)

// TeletextPage describes one entry of a teletext descriptor.
type TeletextPage struct {
	Language string
	Type     uint8 // 5-bit teletext type
	Magazine uint8 // 3-bit magazine number
	Page     uint8 // page number within the magazine
}

// Channel is the read-only snapshot of one service's elementary streams
// that the recorder is constructed with. PID slices and their language
// slices run in parallel.
type Channel struct {
	VideoPID  uint16
	VideoType uint8
	PCRPID    uint16 // 0 means the video PID carries the PCR

	AudioPIDs  []uint16
	AudioLangs []string

	AC3PIDs  []uint16
	AC3Langs []string

	SubtitlePIDs  []uint16
	SubtitleLangs []string

	TeletextPID   uint16
	TeletextPages []TeletextPage
}

// pcrPID returns the PID written into the PMT PCR field.
func (c *Channel) pcrPID() uint16 {
	if c.PCRPID != 0 {
		return c.PCRPID
	}
	return c.VideoPID
}

// HasStreams reports whether the channel references at least one
// elementary stream the recorder could follow.
func (c *Channel) HasStreams() bool {
	return c.VideoPID != 0 || len(c.AudioPIDs) > 0 || len(c.AC3PIDs) > 0
}
