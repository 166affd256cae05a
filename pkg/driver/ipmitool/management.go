package ipmitool

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/metrics"
	"github.com/fly-io/metalprov/pkg/process"
)

var bootDevices = []driver.BootDevice{
	driver.BootPXE,
	driver.BootDisk,
	driver.BootCDROM,
	driver.BootBIOS,
	driver.BootSafe,
}

// Management implements driver.ManagementInterface with chassis bootdev.
type Management struct {
	c *client
}

var _ driver.ManagementInterface = (*Management)(nil)

func NewManagement(cfg Config, runner process.Runner, logger *slog.Logger, m *metrics.Metrics) *Management {
	return &Management{c: newClient(cfg, runner, logger, m)}
}

func (m *Management) Validate(_ context.Context, task *driver.Task) error {
	_, err := parseDriverInfo(task.Node)
	return err
}

func (m *Management) SupportedBootDevices() []driver.BootDevice {
	return slices.Clone(bootDevices)
}

func (m *Management) SetBootDevice(ctx context.Context, task *driver.Task, device driver.BootDevice, persistent bool) error {
	if !slices.Contains(bootDevices, device) {
		return errors.InvalidParameter("invalid boot device %s specified", device)
	}
	in, err := parseDriverInfo(task.Node)
	if err != nil {
		return err
	}
	command := "chassis bootdev " + string(device)
	if persistent {
		command += " options=persistent"
	}
	m.c.logger.Info("set_boot_device", "node_id", in.nodeID, "device", device, "persistent", persistent)
	_, err = m.c.exec(ctx, in, command)
	return errors.Wrap(err, "failed to set boot device")
}

func (m *Management) GetBootDevice(ctx context.Context, task *driver.Task) (driver.BootDevice, bool, error) {
	in, err := parseDriverInfo(task.Node)
	if err != nil {
		return "", false, err
	}
	out, err := m.c.exec(ctx, in, "chassis bootparam get 5")
	if err != nil {
		return "", false, errors.Wrap(err, "failed to get boot device")
	}
	device, persistent := parseBootParam(out)
	return device, persistent, nil
}

// parseBootParam reads the boot flags parameter. An unset override yields an
// empty device.
func parseBootParam(out string) (driver.BootDevice, bool) {
	var device driver.BootDevice
	persistent := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "Options apply to all future boots") {
			persistent = true
		}
		sel, ok := strings.CutPrefix(line, "- Boot Device Selector :")
		if !ok {
			continue
		}
		sel = strings.TrimSpace(sel)
		switch {
		case strings.Contains(sel, "PXE"):
			device = driver.BootPXE
		case strings.Contains(sel, "Safe-Mode"):
			device = driver.BootSafe
		case strings.Contains(sel, "Hard-Drive"):
			device = driver.BootDisk
		case strings.Contains(sel, "CD/DVD"):
			device = driver.BootCDROM
		case strings.Contains(sel, "BIOS Setup"):
			device = driver.BootBIOS
		}
	}
	return device, persistent
}

// Vendor exposes set_boot_device as a vendor method.
type Vendor struct {
	mgmt *Management
}

var _ driver.VendorInterface = (*Vendor)(nil)

func NewVendor(mgmt *Management) *Vendor {
	return &Vendor{mgmt: mgmt}
}

func (*Vendor) Methods() driver.MethodSet {
	return driver.MethodSet{
		"set_boot_device": {Required: []string{"device"}, Optional: []string{"persistent"}},
	}
}

func (v *Vendor) Validate(_ context.Context, task *driver.Task, _ string, params map[string]string) error {
	if !slices.Contains(bootDevices, driver.BootDevice(params["device"])) {
		return errors.InvalidParameter("invalid boot device %q specified", params["device"])
	}
	if p, ok := params["persistent"]; ok {
		if _, err := strconv.ParseBool(p); err != nil {
			return errors.InvalidParameter("persistent must be a boolean, got %q", p)
		}
	}
	_, err := parseDriverInfo(task.Node)
	return err
}

func (v *Vendor) VendorPassthru(ctx context.Context, task *driver.Task, _ string, params map[string]string) (any, error) {
	if err := task.RequireExclusive("set_boot_device"); err != nil {
		return nil, err
	}
	persistent, _ := strconv.ParseBool(params["persistent"])
	device := driver.BootDevice(params["device"])
	if err := v.mgmt.SetBootDevice(ctx, task, device, persistent); err != nil {
		return nil, err
	}
	return map[string]any{"device": device, "persistent": persistent}, nil
}
