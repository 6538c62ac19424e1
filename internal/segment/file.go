package segment

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// writeWindow is the number of written bytes accumulated before the
	// kernel is hinted to evict the written pages.
	writeWindow = 800 << 10

	// flushInterval is the larger second-stage drop window catching
	// pages that were still dirty during the first hint.
	flushInterval = 32 << 20

	// readChunk bounds the cached window kept around the read position.
	readChunk = 8 << 20

	// fadviseGranularity rounds drop ranges so partially covered pages
	// are freed too.
	fadviseGranularity = 4 << 10

	// DefaultReadAhead is the initial readahead window for reads.
	DefaultReadAhead = 128 << 10
)

// UnbufferedFile wraps a file with posix_fadvise hints so continuous
// recording does not monopolize the page cache, and reads get a
// self-tuning readahead window that grows on contiguous access and
// collapses after seeks. All hints are best-effort.
type UnbufferedFile struct {
	f *os.File

	curpos  int64
	begin   int64
	lastpos int64
	ahead   int64

	cachedstart int64
	cachedend   int64
	readahead   int64

	written    int64
	totwritten int64
}

// OpenUnbuffered opens a file with fadvise-based cache management.
func OpenUnbuffered(path string, flag int, perm os.FileMode) (*UnbufferedFile, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	// Kernel readahead is disabled in favor of our own hints.
	unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM)
	return &UnbufferedFile{
		f:         f,
		readahead: DefaultReadAhead,
	}, nil
}

// Name returns the path the file was opened with.
func (u *UnbufferedFile) Name() string {
	return u.f.Name()
}

// SetReadAhead overrides the readahead window size.
func (u *UnbufferedFile) SetReadAhead(n int64) {
	u.readahead = n
}

// fadviseDrop hints the kernel to evict a byte range, rounded up so
// partially covered pages are freed as well.
func (u *UnbufferedFile) fadviseDrop(offset, length int64) {
	start := offset - (fadviseGranularity - 1)
	if start < 0 {
		start = 0
	}
	unix.Fadvise(int(u.f.Fd()), start, length+(fadviseGranularity-1)*2, unix.FADV_DONTNEED)
}

// Seek repositions the file offset.
func (u *UnbufferedFile) Seek(offset int64, whence int) (int64, error) {
	if whence == io.SeekStart && offset == u.curpos {
		return u.curpos, nil
	}
	pos, err := u.f.Seek(offset, whence)
	if err == nil {
		u.curpos = pos
	}
	return pos, err
}

// Read reads at the current position, maintaining the readahead window
// and shrinking the cached range once it outgrows readChunk.
func (u *UnbufferedFile) Read(p []byte) (int, error) {
	jumped := u.curpos - u.lastpos
	if u.cachedstart < u.cachedend && (u.curpos < u.cachedstart || u.curpos > u.cachedend) {
		// Position left the cached window, invalidate it.
		u.fadviseDrop(u.cachedstart, u.cachedend-u.cachedstart)
		u.cachedstart = u.curpos
		u.cachedend = u.curpos
	}
	if u.curpos < u.cachedstart {
		u.cachedstart = u.curpos
	}

	n, err := u.f.Read(p)
	if n > 0 {
		u.curpos += int64(n)
		if u.curpos > u.cachedend {
			u.cachedend = u.curpos
		}

		if jumped >= 0 && jumped <= u.readahead {
			// Trigger readahead IO once at least half of the previous
			// request has been consumed.
			if u.ahead-u.curpos < u.readahead/2 {
				unix.Fadvise(int(u.f.Fd()), u.curpos, u.readahead, unix.FADV_WILLNEED)
				u.ahead = u.curpos + u.readahead
				if u.ahead > u.cachedend {
					u.cachedend = u.ahead
				}
			}
			if u.readahead < int64(len(p))*32 { // tune the window to the read size
				u.readahead = int64(len(p)) * 32
			}
		} else {
			// A jump: no readahead, or e.g. fast-rewind suffers.
			u.ahead = u.curpos
		}
	}

	if u.cachedstart < u.cachedend {
		if u.curpos-u.cachedstart > readChunk*2 {
			// Forward progress, shrink the tail window.
			u.fadviseDrop(u.cachedstart, u.curpos-readChunk-u.cachedstart)
			u.cachedstart = u.curpos - readChunk
		} else if u.cachedend > u.ahead && u.cachedend-u.curpos > readChunk*2 {
			// Backward progress, shrink the head window.
			u.fadviseDrop(u.curpos+readChunk, u.cachedend-(u.curpos+readChunk))
			u.cachedend = u.curpos + readChunk
		}
	}
	u.lastpos = u.curpos
	return n, err
}

// Write writes at the current position. After writeWindow bytes have
// accumulated the written range is hinted for eviction; the doubled
// head-drop covers the non-page-aligned tail skipped by the previous
// round.
func (u *UnbufferedFile) Write(p []byte) (int, error) {
	n, err := u.f.Write(p)
	if n > 0 {
		if u.curpos < u.begin {
			u.begin = u.curpos
		}
		u.curpos += int64(n)
		u.written += int64(n)
		if u.curpos > u.lastpos {
			u.lastpos = u.curpos
		}
		if u.written > writeWindow {
			if u.lastpos > u.begin {
				headdrop := u.begin
				if headdrop > writeWindow*2 {
					headdrop = writeWindow * 2
				}
				unix.Fadvise(int(u.f.Fd()), u.begin-headdrop, u.lastpos-u.begin+headdrop, unix.FADV_DONTNEED)
			}
			u.begin = u.curpos
			u.lastpos = u.curpos
			u.totwritten += u.written
			u.written = 0
			// When writing faster than the disk drains, the pages can
			// still be dirty when the first hint runs; a second pass at
			// a larger interval catches them.
			if u.totwritten > flushInterval {
				headdrop := u.curpos - u.totwritten
				if headdrop > u.totwritten*2 {
					headdrop = u.totwritten * 2
				}
				unix.Fadvise(int(u.f.Fd()), u.curpos-u.totwritten-headdrop, u.totwritten+headdrop, unix.FADV_DONTNEED)
				u.totwritten = 0
			}
		}
	}
	return n, err
}

// Close flushes written data to disk and drops the file from the page
// cache before closing.
func (u *UnbufferedFile) Close() error {
	if u.totwritten > 0 || u.written > 0 {
		// Make sure the data has hit the disk before the final hint,
		// the last chance to un-cache it.
		unix.Fdatasync(int(u.f.Fd()))
	}
	unix.Fadvise(int(u.f.Fd()), 0, 0, unix.FADV_DONTNEED)
	return u.f.Close()
}
