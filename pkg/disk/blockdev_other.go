//go:build !unix

package disk

import (
	"fmt"
	"runtime"
)

func isBlockDevice(path string) (bool, error) {
	return false, fmt.Errorf("block devices not supported on %s", runtime.GOOS)
}
