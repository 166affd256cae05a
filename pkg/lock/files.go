package lock

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fly-io/metalprov/pkg/errors"
)

// Files keeps one lock file per node in a directory shared by every process
// working on the same inventory. While any holder in a process has a node, the
// process keeps that node's file locked, so holders in different processes
// never overlap. The lock belongs to the open file and goes away with the
// process.
type Files struct {
	dir string
}

func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create lock directory")
	}
	return &Files{dir: dir}, nil
}

func (f *Files) path(nodeID string) string {
	return filepath.Join(f.dir, url.PathEscape(nodeID)+".lock")
}

// heldElsewhere reports a node locked by another process.
type heldElsewhere struct {
	locked *errors.NodeLocked
}

func (h *heldElsewhere) Error() string { return h.locked.Error() }

// tryLock locks nodeID's file without waiting and records holder in it. A node
// held by another process yields *heldElsewhere naming that process's holder.
func (f *Files) tryLock(nodeID, holder string) (*os.File, error) {
	path := f.path(nodeID)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open lock file")
	}

	busy, err := flock(fh)
	if err != nil || busy {
		fh.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to lock "+path)
		}
		owner, _ := os.ReadFile(path)
		return nil, &heldElsewhere{&errors.NodeLocked{NodeID: nodeID, Holder: strings.TrimSpace(string(owner))}}
	}

	// The owner line is informational; a failed write leaves the lock intact.
	if err := fh.Truncate(0); err == nil {
		fh.WriteAt([]byte(fmt.Sprintf("%s (pid %d)\n", holder, os.Getpid())), 0)
	}
	return fh, nil
}

func (f *Files) unlock(fh *os.File) {
	funlock(fh)
	fh.Close()
}
