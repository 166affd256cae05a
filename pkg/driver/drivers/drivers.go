// Package drivers assembles the named drivers the conductor serves.
package drivers

import (
	"log/slog"

	"github.com/fly-io/metalprov/pkg/console"
	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/driver/fake"
	"github.com/fly-io/metalprov/pkg/driver/ipmitool"
	"github.com/fly-io/metalprov/pkg/driver/iscsi"
	"github.com/fly-io/metalprov/pkg/metrics"
	"github.com/fly-io/metalprov/pkg/process"
)

const (
	PXEIPMITool  = "pxe_ipmitool"
	FakeIPMITool = "fake_ipmitool"
)

// Deps are the shared components drivers are built from.
type Deps struct {
	Runner   process.Runner
	IPMI     ipmitool.Config
	Console  *console.Manager
	Pipeline iscsi.Pipeline
	Images   iscsi.Resolver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// NewRegistry returns a registry holding pxe_ipmitool, fake_ipmitool and
// fake.
func NewRegistry(deps Deps) (*driver.Registry, error) {
	power := ipmitool.NewPower(deps.IPMI, deps.Runner, deps.Logger, deps.Metrics)
	mgmt := ipmitool.NewManagement(deps.IPMI, deps.Runner, deps.Logger, deps.Metrics)

	pxe := driver.New(PXEIPMITool, driver.Interfaces{
		Power:      power,
		Deploy:     iscsi.New(deps.Pipeline, deps.Images, deps.Logger),
		Console:    ipmitool.NewConsole(deps.IPMI, deps.Runner, deps.Console, deps.Logger, deps.Metrics),
		Vendor:     ipmitool.NewVendor(mgmt),
		Management: mgmt,
	})

	fakeIPMI := driver.New(FakeIPMITool, driver.Interfaces{
		Power:      power,
		Deploy:     &fake.Deploy{},
		Vendor:     driver.NewMultiVendor(&fake.VendorA{}, &fake.VendorB{}),
		Management: mgmt,
	})

	return driver.NewRegistry(pxe, fakeIPMI, fake.New())
}
