package segment

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// FreeDiskSpaceMB returns the free space available to unprivileged
// writers on the filesystem holding dir, in MiB. Errors report as 0.
func FreeDiskSpaceMB(dir string) int {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0
	}
	return int(int64(st.Bavail) * st.Bsize / (1 << 20))
}

// DiskChecker throttles free-space probes and compares them against the
// low-space floor. Probing is expensive enough (statfs per call) that
// it runs at most once per interval.
type DiskChecker struct {
	log       *slog.Logger
	dir       string
	minFreeMB int
	interval  time.Duration
	lastCheck time.Time

	// Free is the probe; tests override it. Defaults to FreeDiskSpaceMB.
	Free func(dir string) int
}

// NewDiskChecker creates a checker whose first probe happens one full
// interval after construction. If log is nil, slog.Default() is used.
func NewDiskChecker(dir string, minFreeMB int, interval time.Duration, log *slog.Logger) *DiskChecker {
	if log == nil {
		log = slog.Default()
	}
	return &DiskChecker{
		log:       log.With("component", "disk"),
		dir:       dir,
		minFreeMB: minFreeMB,
		interval:  interval,
		lastCheck: time.Now(),
		Free:      FreeDiskSpaceMB,
	}
}

// RunningLow probes the filesystem (at most once per interval) and
// reports whether free space is below the floor.
func (c *DiskChecker) RunningLow() bool {
	if time.Since(c.lastCheck) < c.interval {
		return false
	}
	c.lastCheck = time.Now()
	free := c.Free(c.dir)
	if free < c.minFreeMB {
		c.log.Warn("low disk space", "free_mb", free, "limit_mb", c.minFreeMB)
		return true
	}
	return false
}
