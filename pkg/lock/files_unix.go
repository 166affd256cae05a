//go:build unix

package lock

import (
	stderrors "errors"
	"os"

	"golang.org/x/sys/unix"
)

// flock takes an exclusive flock(2) on fh. busy is true when another open
// file, in this or another process, holds it.
func flock(fh *os.File) (busy bool, err error) {
	err = unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if stderrors.Is(err, unix.EWOULDBLOCK) {
		return true, nil
	}
	return false, err
}

func funlock(fh *os.File) {
	unix.Flock(int(fh.Fd()), unix.LOCK_UN)
}
