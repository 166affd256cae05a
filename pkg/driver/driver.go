package driver

import (
	"context"
	"slices"

	"github.com/samber/lo"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/lock"
	"github.com/fly-io/metalprov/pkg/node"
)

// Capability names one interface of a driver.
type Capability string

const (
	CapPower      Capability = "power"
	CapDeploy     Capability = "deploy"
	CapConsole    Capability = "console"
	CapVendor     Capability = "vendor"
	CapManagement Capability = "management"
)

// Interfaces is the set of capabilities a driver is built from. Nil members
// are unsupported.
type Interfaces struct {
	Power      PowerInterface
	Deploy     DeployInterface
	Console    ConsoleInterface
	Vendor     VendorInterface
	Management ManagementInterface
}

// Driver is a named capability set.
type Driver struct {
	name   string
	ifaces Interfaces
}

func New(name string, ifaces Interfaces) *Driver {
	return &Driver{name: name, ifaces: ifaces}
}

func (d *Driver) Name() string { return d.name }

func (d *Driver) Power() (PowerInterface, bool) {
	return d.ifaces.Power, d.ifaces.Power != nil
}

func (d *Driver) Deploy() (DeployInterface, bool) {
	return d.ifaces.Deploy, d.ifaces.Deploy != nil
}

func (d *Driver) Console() (ConsoleInterface, bool) {
	return d.ifaces.Console, d.ifaces.Console != nil
}

func (d *Driver) Vendor() (VendorInterface, bool) {
	return d.ifaces.Vendor, d.ifaces.Vendor != nil
}

func (d *Driver) Management() (ManagementInterface, bool) {
	return d.ifaces.Management, d.ifaces.Management != nil
}

// Capabilities lists the supported capabilities.
func (d *Driver) Capabilities() []Capability {
	var caps []Capability
	if d.ifaces.Power != nil {
		caps = append(caps, CapPower)
	}
	if d.ifaces.Deploy != nil {
		caps = append(caps, CapDeploy)
	}
	if d.ifaces.Console != nil {
		caps = append(caps, CapConsole)
	}
	if d.ifaces.Vendor != nil {
		caps = append(caps, CapVendor)
	}
	if d.ifaces.Management != nil {
		caps = append(caps, CapManagement)
	}
	return caps
}

// Unsupported is returned when a driver lacks a capability.
func Unsupported(d *Driver, c Capability) error {
	return errors.InvalidParameter("driver %s does not support %s", d.name, c)
}

// VendorPassthru checks method against the allow-list and the interface's own
// validation before running it.
func (d *Driver) VendorPassthru(ctx context.Context, task *Task, method string, params map[string]string) (any, error) {
	vendor, ok := d.Vendor()
	if !ok {
		return nil, Unsupported(d, CapVendor)
	}
	if err := vendor.Methods().Check(method, params); err != nil {
		return nil, err
	}
	if err := vendor.Validate(ctx, task, method, params); err != nil {
		return nil, err
	}
	return vendor.VendorPassthru(ctx, task, method, params)
}

// ValidateInterfaces runs Validate on every supported interface except
// vendor, whose validation is per method.
func (d *Driver) ValidateInterfaces(ctx context.Context, task *Task) map[Capability]error {
	results := make(map[Capability]error)
	if p, ok := d.Power(); ok {
		results[CapPower] = p.Validate(ctx, task)
	}
	if dep, ok := d.Deploy(); ok {
		results[CapDeploy] = dep.Validate(ctx, task)
	}
	if c, ok := d.Console(); ok {
		results[CapConsole] = c.Validate(ctx, task)
	}
	if m, ok := d.Management(); ok {
		results[CapManagement] = m.Validate(ctx, task)
	}
	return results
}

// Task is the context every driver call runs in: the node snapshot, the lock
// guarding it and the driver resolved for it.
type Task struct {
	Node   *node.Node
	Guard  *lock.Guard
	Driver *Driver
}

// RequireExclusive fails unless the task holds its node exclusively.
func (t *Task) RequireExclusive(op string) error {
	if t.Guard == nil || !t.Guard.Exclusive() {
		return errors.InvalidParameter("%s on node %s requires an exclusive lock", op, t.Node.ID)
	}
	return nil
}

// Registry resolves drivers by name. It is built once at startup.
type Registry struct {
	drivers map[string]*Driver
}

func NewRegistry(drivers ...*Driver) (*Registry, error) {
	r := &Registry{drivers: make(map[string]*Driver, len(drivers))}
	for _, d := range drivers {
		if _, dup := r.drivers[d.name]; dup {
			return nil, errors.InvalidParameter("driver %s registered twice", d.name)
		}
		r.drivers[d.name] = d
	}
	return r, nil
}

// Get fails with InvalidParameterValue for unknown names.
func (r *Registry) Get(name string) (*Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, errors.InvalidParameter("unknown driver %q", name)
	}
	return d, nil
}

func (r *Registry) Names() []string {
	names := lo.Keys(r.drivers)
	slices.Sort(names)
	return names
}
