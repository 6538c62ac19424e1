package segment

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// indexFileName is the index file within a recording directory.
const indexFileName = "index"

// entrySize is the fixed on-disk size of one index record.
const entrySize = 8

// Entry describes one frame start within a recording. Offsets up to
// 2^40 are representable, so segments may grow to a TiB.
type Entry struct {
	Offset      int64
	FileNumber  uint16
	Independent bool
}

// Record layout (little-endian):
//
//	offset_low32 : u32
//	packed       : u32 = independent<<31 | file_number<<16 | offset_high16
//
// The independent flag lives in the high bit of the packed word, above
// the file number; it is never folded into the offset.
func putEntry(b []byte, e Entry) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(e.Offset))
	packed := uint32(e.FileNumber)<<16 | uint32(e.Offset>>32)&0xFFFF
	if e.Independent {
		packed |= 1 << 31
	}
	binary.LittleEndian.PutUint32(b[4:8], packed)
}

func parseEntry(b []byte) Entry {
	packed := binary.LittleEndian.Uint32(b[4:8])
	return Entry{
		Offset:      int64(packed&0xFFFF)<<32 | int64(binary.LittleEndian.Uint32(b[0:4])),
		FileNumber:  uint16(packed >> 16 & 0x7FFF),
		Independent: packed&(1<<31) != 0,
	}
}

// Index is the append-only frame index of one recording. A write
// failure is logged once and disables the index; the recording
// continues without it, with random access degraded.
type Index struct {
	log   *slog.Logger
	path  string
	f     *os.File
	count int64
	buf   [entrySize]byte
}

// NewIndex creates the index file in the recording directory. If log is
// nil, slog.Default() is used.
func NewIndex(dir string, log *slog.Logger) (*Index, error) {
	if log == nil {
		log = slog.Default()
	}
	path := filepath.Join(dir, indexFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create index %s: %w", path, err)
	}
	return &Index{
		log:  log.With("component", "index"),
		path: path,
		f:    f,
	}, nil
}

// Write appends one record. Entries are never rewritten in place and
// never fsync'd individually.
func (x *Index) Write(independent bool, fileNumber uint16, offset int64) {
	if x.f == nil {
		return
	}
	putEntry(x.buf[:], Entry{Offset: offset, FileNumber: fileNumber, Independent: independent})
	if _, err := x.f.Write(x.buf[:]); err != nil {
		x.log.Error("index write failed, continuing without index", "path", x.path, "error", err)
		x.f.Close()
		x.f = nil
		return
	}
	x.count++
}

// Count returns the number of records written.
func (x *Index) Count() int64 {
	return x.count
}

// Close closes the index file.
func (x *Index) Close() error {
	if x.f == nil {
		return nil
	}
	err := x.f.Close()
	x.f = nil
	return err
}

// ReadIndexEntry reads the record of a single frame number from an
// index file without loading the rest, for playback-side seeking.
func ReadIndexEntry(path string, frame int64) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("segment: open index %s: %w", path, err)
	}
	defer f.Close()

	var buf [entrySize]byte
	if _, err := f.ReadAt(buf[:], frame*entrySize); err != nil {
		return Entry{}, fmt.Errorf("segment: index %s: no entry for frame %d: %w", path, frame, err)
	}
	return parseEntry(buf[:]), nil
}

// ReadLastIndexEntry returns the final record of an index file along
// with the total number of frames it describes.
func ReadLastIndexEntry(path string) (Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("segment: open index %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, 0, fmt.Errorf("segment: stat index %s: %w", path, err)
	}
	count := info.Size() / entrySize
	if count == 0 || info.Size()%entrySize != 0 {
		return Entry{}, 0, fmt.Errorf("segment: index %s truncated (%d bytes)", path, info.Size())
	}

	var buf [entrySize]byte
	if _, err := f.ReadAt(buf[:], (count-1)*entrySize); err != nil {
		return Entry{}, 0, fmt.Errorf("segment: read index %s: %w", path, err)
	}
	return parseEntry(buf[:]), count, nil
}

// ReadIndexFile loads all records of an index file, for tools and
// playback-side random access.
func ReadIndexFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("segment: read index %s: %w", path, err)
	}
	if len(data)%entrySize != 0 {
		return nil, fmt.Errorf("segment: index %s truncated (%d bytes)", path, len(data))
	}
	entries := make([]Entry, 0, len(data)/entrySize)
	for i := 0; i+entrySize <= len(data); i += entrySize {
		entries = append(entries, parseEntry(data[i:i+entrySize]))
	}
	return entries, nil
}
