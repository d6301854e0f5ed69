//go:build !windows

package segment

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// availableBytes returns the bytes available to unprivileged writers on the
// volume holding path.
func availableBytes(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	// Bsize is int64 on linux but uint32 on darwin.
	bsize := int64(stat.Bsize) //nolint:unconvert
	return int64(stat.Bavail) * bsize, nil
}
