//go:build unix

package disk

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func isBlockDevice(path string) (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}
