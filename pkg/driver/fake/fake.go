// Package fake implements in-memory driver interfaces for tests and dry runs.
// They never touch hardware.
package fake

import (
	"context"

	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/node"
)

// Name is the registry name of the all-fake driver.
const Name = "fake"

// New returns a driver whose every capability is fake.
func New() *driver.Driver {
	return driver.New(Name, driver.Interfaces{
		Power:      &Power{},
		Deploy:     &Deploy{},
		Console:    &Console{},
		Vendor:     driver.NewMultiVendor(&VendorA{}, &VendorB{}),
		Management: &Management{},
	})
}

// Power reports and stores the node's power state without side effects.
type Power struct{}

var _ driver.PowerInterface = (*Power)(nil)

func (*Power) Validate(context.Context, *driver.Task) error { return nil }

func (*Power) GetPowerState(_ context.Context, task *driver.Task) (node.PowerState, error) {
	if task.Node.PowerState == "" {
		return node.PowerUnknown, nil
	}
	return task.Node.PowerState, nil
}

func (*Power) SetPowerState(_ context.Context, task *driver.Task, target node.PowerState) (node.PowerState, error) {
	if target != node.PowerOn && target != node.PowerOff {
		return "", errors.InvalidParameter("set power state called with an invalid power state: %s", target)
	}
	task.Node.PowerState = target
	return target, nil
}

func (*Power) Reboot(_ context.Context, task *driver.Task) (node.PowerState, error) {
	task.Node.PowerState = node.PowerOn
	return node.PowerOn, nil
}

// Deploy marks nodes deployed without writing anything.
type Deploy struct{}

var _ driver.DeployInterface = (*Deploy)(nil)

func (*Deploy) Validate(context.Context, *driver.Task) error { return nil }

func (*Deploy) Deploy(context.Context, *driver.Task) (node.ProvisionState, error) {
	return node.Active, nil
}

func (*Deploy) TearDown(context.Context, *driver.Task) (node.ProvisionState, error) {
	return node.Available, nil
}

// VendorA answers first_method with whether bar is "baz".
type VendorA struct{}

var _ driver.VendorInterface = (*VendorA)(nil)

func (*VendorA) Methods() driver.MethodSet {
	return driver.MethodSet{"first_method": {Required: []string{"bar"}}}
}

func (*VendorA) Validate(_ context.Context, _ *driver.Task, method string, params map[string]string) error {
	if params["bar"] == "" {
		return errors.InvalidParameter("parameter 'bar' not passed to method %q", method)
	}
	return nil
}

func (*VendorA) VendorPassthru(_ context.Context, _ *driver.Task, _ string, params map[string]string) (any, error) {
	return params["bar"] == "baz", nil
}

// VendorB answers second_method with whether bar is "kazoo".
type VendorB struct{}

var _ driver.VendorInterface = (*VendorB)(nil)

func (*VendorB) Methods() driver.MethodSet {
	return driver.MethodSet{"second_method": {Required: []string{"bar"}}}
}

func (*VendorB) Validate(_ context.Context, _ *driver.Task, method string, params map[string]string) error {
	if params["bar"] == "" {
		return errors.InvalidParameter("parameter 'bar' not passed to method %q", method)
	}
	return nil
}

func (*VendorB) VendorPassthru(_ context.Context, _ *driver.Task, _ string, params map[string]string) (any, error) {
	return params["bar"] == "kazoo", nil
}

// Console has nothing to start.
type Console struct{}

var _ driver.ConsoleInterface = (*Console)(nil)

func (*Console) Validate(context.Context, *driver.Task) error     { return nil }
func (*Console) StartConsole(context.Context, *driver.Task) error { return nil }
func (*Console) StopConsole(context.Context, *driver.Task) error  { return nil }

func (*Console) GetConsole(context.Context, *driver.Task) (driver.ConsoleInfo, error) {
	return driver.ConsoleInfo{}, nil
}

// Management only boots from PXE.
type Management struct{}

var _ driver.ManagementInterface = (*Management)(nil)

func (*Management) Validate(context.Context, *driver.Task) error { return nil }

func (*Management) SupportedBootDevices() []driver.BootDevice {
	return []driver.BootDevice{driver.BootPXE}
}

func (m *Management) SetBootDevice(_ context.Context, _ *driver.Task, device driver.BootDevice, _ bool) error {
	if device != driver.BootPXE {
		return errors.InvalidParameter("invalid boot device %s specified", device)
	}
	return nil
}

func (*Management) GetBootDevice(context.Context, *driver.Task) (driver.BootDevice, bool, error) {
	return driver.BootPXE, false, nil
}
