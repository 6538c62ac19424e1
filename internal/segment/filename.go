// Package segment owns the on-disk shape of a recording: the numbered
// segment files, the frame index, the recording-info sidecar, the
// free-disk-space policy, and the fadvise-hinted file wrapper that
// keeps the page-cache footprint bounded during continuous writes.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// maxFileNumber bounds the NNN.ts rotation.
const maxFileNumber = 999

// ErrFileLimit is returned by Next once all 999 segment file names of a
// recording have been used up.
var ErrFileLimit = errors.New("segment: file number limit reached")

// FileName is the single-owner cursor over a recording's numbered
// segment files.
type FileName struct {
	dir    string
	number int
	file   *UnbufferedFile
}

// NewFileName creates a cursor for the given recording directory.
func NewFileName(dir string) *FileName {
	return &FileName{dir: dir}
}

// Number returns the current file number (1-based once opened).
func (f *FileName) Number() uint16 {
	return uint16(f.number)
}

// Path returns the path of the current segment file.
func (f *FileName) Path() string {
	return filepath.Join(f.dir, fmt.Sprintf("%03d.ts", f.number))
}

// Open opens the first segment file. It is an error to call Open twice.
func (f *FileName) Open() (*UnbufferedFile, error) {
	if f.file != nil {
		return nil, fmt.Errorf("segment: %s already open", f.Path())
	}
	f.number = 1
	return f.open()
}

// Next closes the current file and opens the following one.
func (f *FileName) Next() (*UnbufferedFile, error) {
	if err := f.Close(); err != nil {
		return nil, err
	}
	if f.number >= maxFileNumber {
		return nil, ErrFileLimit
	}
	f.number++
	return f.open()
}

// Close closes the current file, if any.
func (f *FileName) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

func (f *FileName) open() (*UnbufferedFile, error) {
	file, err := OpenUnbuffered(f.Path(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", f.Path(), err)
	}
	f.file = file
	return file, nil
}
