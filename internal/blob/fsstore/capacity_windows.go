//go:build windows

package fsstore

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// VolumeStats returns total, used and available bytes of the volume holding dir.
func VolumeStats(dir string) (total, used, available int64, err error) {
	dirPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("utf16 path: %w", err)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(
		dirPtr,
		(*uint64)(unsafe.Pointer(&freeBytesAvailable)),
		(*uint64)(unsafe.Pointer(&totalBytes)),
		(*uint64)(unsafe.Pointer(&totalFreeBytes)),
	); err != nil {
		return 0, 0, 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", dir, err)
	}

	total = int64(totalBytes)
	available = int64(freeBytesAvailable)
	used = total - int64(totalFreeBytes)
	return total, used, available, nil
}
