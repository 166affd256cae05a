//go:build !unix

package lock

import (
	"fmt"
	"os"
	"runtime"
)

func flock(*os.File) (bool, error) {
	return false, fmt.Errorf("node lock files are not supported on %s", runtime.GOOS)
}

func funlock(*os.File) {}
