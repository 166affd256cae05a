// Package driver defines the capability set a hardware backend implements and
// resolves backends by name.
package driver

import (
	"context"

	"github.com/fly-io/metalprov/pkg/node"
)

// PowerInterface controls a node's power through its management controller.
type PowerInterface interface {
	Validate(ctx context.Context, task *Task) error
	GetPowerState(ctx context.Context, task *Task) (node.PowerState, error)
	// SetPowerState drives the node to target and returns the observed
	// state. A transition that does not converge fails with
	// PowerStateFailure.
	SetPowerState(ctx context.Context, task *Task, target node.PowerState) (node.PowerState, error)
	Reboot(ctx context.Context, task *Task) (node.PowerState, error)
}

// DeployInterface writes an image onto a node.
type DeployInterface interface {
	Validate(ctx context.Context, task *Task) error
	Deploy(ctx context.Context, task *Task) (node.ProvisionState, error)
	TearDown(ctx context.Context, task *Task) (node.ProvisionState, error)
}

// ConsoleInfo tells a user how to reach a node's serial console.
type ConsoleInfo struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ConsoleInterface manages a node's serial console.
type ConsoleInterface interface {
	Validate(ctx context.Context, task *Task) error
	StartConsole(ctx context.Context, task *Task) error
	StopConsole(ctx context.Context, task *Task) error
	GetConsole(ctx context.Context, task *Task) (ConsoleInfo, error)
}

// VendorInterface exposes backend specific methods. Every call is checked
// against Methods before it is executed.
type VendorInterface interface {
	Methods() MethodSet
	// Validate checks method arguments beyond presence, e.g. value ranges.
	Validate(ctx context.Context, task *Task, method string, params map[string]string) error
	VendorPassthru(ctx context.Context, task *Task, method string, params map[string]string) (any, error)
}

// BootDevice names a one-time or persistent boot target.
type BootDevice string

const (
	BootPXE   BootDevice = "pxe"
	BootDisk  BootDevice = "disk"
	BootCDROM BootDevice = "cdrom"
	BootBIOS  BootDevice = "bios"
	BootSafe  BootDevice = "safe"
)

// ManagementInterface selects the device a node boots from.
type ManagementInterface interface {
	Validate(ctx context.Context, task *Task) error
	SupportedBootDevices() []BootDevice
	SetBootDevice(ctx context.Context, task *Task, device BootDevice, persistent bool) error
	GetBootDevice(ctx context.Context, task *Task) (device BootDevice, persistent bool, err error)
}
