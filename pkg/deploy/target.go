package deploy

import (
	"fmt"
	"net"
	"strconv"

	"github.com/fly-io/metalprov/pkg/errors"
)

// DefaultISCSIPort is the standard iSCSI portal port.
const DefaultISCSIPort = 3260

// Target identifies the iSCSI export of a node's disk.
type Target struct {
	Address string
	Port    int
	IQN     string
	LUN     int
}

// Portal returns the address:port pair iscsiadm expects.
func (t Target) Portal() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// DevicePath returns the udev by-path link the initiator creates for the
// target once logged in.
func (t Target) DevicePath() string {
	return fmt.Sprintf("/dev/disk/by-path/ip-%s:%d-iscsi-%s-lun-%d", t.Address, t.Port, t.IQN, t.LUN)
}

// Validate checks the target without touching the network.
func (t Target) Validate() error {
	switch {
	case t.Address == "":
		return errors.InvalidParameter("iscsi address is required")
	case t.Port <= 0 || t.Port > 65535:
		return errors.InvalidParameter("iscsi port %d out of range", t.Port)
	case t.IQN == "":
		return errors.InvalidParameter("iscsi iqn is required")
	case t.LUN < 0:
		return errors.InvalidParameter("iscsi lun %d is negative", t.LUN)
	}
	return nil
}
