// Package node defines the snapshot of a physical machine the provisioning
// core operates on.
package node

import (
	"strconv"
	"time"

	"github.com/fly-io/metalprov/pkg/errors"
)

// PowerState is an observed power state.
type PowerState string

const (
	PowerOn  PowerState = "power on"
	PowerOff PowerState = "power off"
	// PowerError means the management controller answered with something
	// that is neither on nor off.
	PowerError PowerState = "error"
	// PowerUnknown is used before a first observation and while a
	// transition is in flight.
	PowerUnknown PowerState = "unknown"
	// Reboot is only valid as a requested target.
	Reboot PowerState = "rebooting"
)

// ParsePowerTarget validates a requested power target.
func ParsePowerTarget(s string) (PowerState, error) {
	switch PowerState(s) {
	case PowerOn, PowerOff, Reboot:
		return PowerState(s), nil
	}
	switch s {
	case "on":
		return PowerOn, nil
	case "off":
		return PowerOff, nil
	case "reboot":
		return Reboot, nil
	}
	return "", errors.InvalidParameter("unsupported power state %q", s)
}

// ProvisionState tracks where a node is in its deploy lifecycle.
type ProvisionState string

const (
	Available    ProvisionState = "available"
	Deploying    ProvisionState = "deploying"
	Active       ProvisionState = "active"
	DeployFailed ProvisionState = "deploy failed"
	Deleting     ProvisionState = "deleting"
)

// Node is a snapshot of one machine. The inventory owns it; drivers receive a
// copy and may mutate power and provisioning fields for the caller to persist.
type Node struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
	// DriverInfo holds driver specific connection settings such as
	// ipmi_address or iscsi_iqn.
	DriverInfo map[string]string `yaml:"driver_info"`

	PowerState       PowerState     `yaml:"-"`
	TargetPowerState PowerState     `yaml:"-"`
	ProvisionState   ProvisionState `yaml:"-"`

	ImageRef          string `yaml:"image"`
	PXEConfigPath     string `yaml:"pxe_config"`
	RootMiB           int    `yaml:"root_mb"`
	SwapMiB           int    `yaml:"swap_mb"`
	EphemeralMiB      int    `yaml:"ephemeral_mb"`
	EphemeralFormat   string `yaml:"ephemeral_format"`
	PreserveEphemeral bool   `yaml:"preserve_ephemeral"`

	// RootUUID is the filesystem UUID of the last deployed root partition.
	RootUUID  string    `yaml:"-"`
	LastError string    `yaml:"-"`
	UpdatedAt time.Time `yaml:"-"`
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	c := *n
	if n.DriverInfo != nil {
		c.DriverInfo = make(map[string]string, len(n.DriverInfo))
		for k, v := range n.DriverInfo {
			c.DriverInfo[k] = v
		}
	}
	return &c
}

// Info returns a driver info value.
func (n *Node) Info(key string) string {
	return n.DriverInfo[key]
}

// IntInfo parses an integer driver info value, returning def when unset.
func (n *Node) IntInfo(key string, def int) (int, error) {
	v, ok := n.DriverInfo[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.InvalidParameter("driver_info %s must be an integer, got %q", key, v)
	}
	return i, nil
}
