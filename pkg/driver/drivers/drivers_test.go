package drivers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/metalprov/pkg/console"
	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/driver/ipmitool"
	"github.com/fly-io/metalprov/pkg/process/processtest"
)

func TestNewRegistry(t *testing.T) {
	runner := processtest.New()
	r, err := NewRegistry(Deps{
		Runner:  runner,
		IPMI:    ipmitool.DefaultConfig(),
		Console: console.New(console.DefaultConfig(), runner, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"fake", "fake_ipmitool", "pxe_ipmitool"}, r.Names())

	pxe, err := r.Get(PXEIPMITool)
	require.NoError(t, err)
	assert.Equal(t, []driver.Capability{
		driver.CapPower, driver.CapDeploy, driver.CapConsole, driver.CapVendor, driver.CapManagement,
	}, pxe.Capabilities())
	assert.Contains(t, mustVendor(t, pxe).Methods(), "set_boot_device")

	fakeIPMI, err := r.Get(FakeIPMITool)
	require.NoError(t, err)
	_, ok := fakeIPMI.Console()
	assert.False(t, ok)
	assert.Contains(t, mustVendor(t, fakeIPMI).Methods(), "first_method")
}

func mustVendor(t *testing.T, d *driver.Driver) driver.VendorInterface {
	v, ok := d.Vendor()
	require.True(t, ok)
	return v
}
