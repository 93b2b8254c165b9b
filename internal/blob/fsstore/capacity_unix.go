//go:build !windows

package fsstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// VolumeStats returns total, used and available bytes of the volume holding dir.
// Available uses Bavail (space available to unprivileged users).
func VolumeStats(dir string) (total, used, available int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	bsize := int64(stat.Bsize) //nolint:unconvert
	total = int64(stat.Blocks) * bsize
	available = int64(stat.Bavail) * bsize
	used = total - int64(stat.Bfree)*bsize
	return total, used, available, nil
}
