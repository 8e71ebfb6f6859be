//go:build !windows

package diskcache

import (
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

type statfsChecker struct {
	minFreeBytes      uint64
	minFreePercentage float64
}

func newVolumeChecker(minFreeBytes uint64, minFreePercentage float64) volumeChecker {
	return &statfsChecker{minFreeBytes: minFreeBytes, minFreePercentage: minFreePercentage}
}

func (c *statfsChecker) check(path string) (volumeStats, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return volumeStats{}, err
	}
	//nolint:unconvert // Bavail is int64 on some BSDs.
	avail := uint64(stat.Bavail)
	if avail&math.MaxInt64 != avail || stat.Blocks == 0 {
		return volumeStats{}, fmt.Errorf("invalid statfs values: %+v", stat)
	}
	// Available is what an unprivileged user can still write.
	s := volumeStats{
		BytesAvailable: avail * uint64(stat.Bsize),
		BytesTotal:     uint64(stat.Blocks) * uint64(stat.Bsize),
	}
	s.Low = s.BytesAvailable < c.minFreeBytes &&
		float64(s.BytesAvailable)/float64(s.BytesTotal) <= c.minFreePercentage
	return s, nil
}
