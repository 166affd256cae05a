package ipmitool

import (
	"context"
	stderrors "errors"
	"os"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/metalprov/pkg/console"
	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/lock"
	"github.com/fly-io/metalprov/pkg/node"
	"github.com/fly-io/metalprov/pkg/process"
	"github.com/fly-io/metalprov/pkg/process/processtest"
)

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = 0
	cfg.TempDir = t.TempDir()
	return cfg
}

func testTask(t *testing.T, info map[string]string) *driver.Task {
	t.Helper()
	if info == nil {
		info = map[string]string{InfoAddress: "10.0.0.5", InfoUsername: "admin", InfoPassword: "secret"}
	}
	g, err := lock.New(nil, nil).TryAcquire(context.Background(), "node-1", lock.Exclusive)
	require.NoError(t, err)
	t.Cleanup(g.Release)
	return &driver.Task{Node: &node.Node{ID: "node-1", DriverInfo: info}, Guard: g}
}

// fakeBMC answers power commands like a controller would.
type fakeBMC struct {
	mu     sync.Mutex
	state  string
	ignore map[string]bool
}

func (b *fakeBMC) respond(cmd process.Cmd) (process.Result, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(cmd.Args)
	if n < 2 || cmd.Args[n-2] != "power" {
		return process.Result{}, 0, nil
	}
	switch verb := cmd.Args[n-1]; verb {
	case "on", "off":
		if !b.ignore[verb] {
			b.state = verb
		}
		return process.Result{Stdout: "Chassis Power Control: " + verb + "\n"}, 0, nil
	case "status":
		return process.Result{Stdout: "Chassis Power is " + b.state + "\n"}, 0, nil
	}
	return process.Result{}, 0, nil
}

func TestParsePowerStatus(t *testing.T) {
	tests := []struct {
		out  string
		want node.PowerState
	}{
		{"Chassis Power is on\n", node.PowerOn},
		{"Chassis Power is off", node.PowerOff},
		{"Chassis Power is unknown\n", node.PowerError},
		{"", node.PowerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parsePowerStatus(tt.out), tt.out)
	}
}

func TestSetPowerStateNeverConverges(t *testing.T) {
	runner := processtest.New()
	runner.On("ipmitool", "power", "status").Return("Chassis Power is off\n")
	cfg := testConfig(t)
	p := NewPower(cfg, runner, nil, nil)

	state, err := p.SetPowerState(context.Background(), testTask(t, nil), node.PowerOn)

	assert.Equal(t, node.PowerError, state)
	var failure *errors.PowerStateFailure
	require.True(t, stderrors.As(err, &failure))
	assert.Equal(t, string(node.PowerOn), failure.Target)
	assert.Equal(t, string(node.PowerOff), failure.Observed)
	assert.Equal(t, 1, runner.Count("ipmitool", "power", "on"))
	assert.Equal(t, cfg.RetryAttempts, runner.Count("ipmitool", "power", "status"))
}

func TestSetPowerStateConverges(t *testing.T) {
	polls := 0
	runner := processtest.New()
	runner.On("ipmitool", "power", "status").Do(func(process.Cmd) (process.Result, int, error) {
		polls++
		if polls < 3 {
			return process.Result{Stdout: "Chassis Power is on\n"}, 0, nil
		}
		return process.Result{Stdout: "Chassis Power is off\n"}, 0, nil
	})
	p := NewPower(testConfig(t), runner, nil, nil)

	state, err := p.SetPowerState(context.Background(), testTask(t, nil), node.PowerOff)
	require.NoError(t, err)
	assert.Equal(t, node.PowerOff, state)
	assert.Equal(t, 3, runner.Count("power", "status"))
	assert.Less(t, runner.Index("power", "off"), runner.Index("power", "status"))
}

func TestSetPowerStateCommandFailureStillPolls(t *testing.T) {
	runner := processtest.New()
	runner.On("ipmitool", "power", "on").Fail(1, "Unable to establish session")
	runner.On("ipmitool", "power", "status").Return("Chassis Power is on\n")
	cfg := testConfig(t)
	p := NewPower(cfg, runner, nil, nil)

	state, err := p.SetPowerState(context.Background(), testTask(t, nil), node.PowerOn)
	require.NoError(t, err)
	assert.Equal(t, node.PowerOn, state)
	assert.Equal(t, cfg.CommandAttempts, runner.Count("power", "on"))
}

func TestSetPowerStateStatusFailureStopsPolling(t *testing.T) {
	runner := processtest.New()
	runner.On("ipmitool", "power", "status").Fail(1, "timeout")
	cfg := testConfig(t)
	p := NewPower(cfg, runner, nil, nil)

	_, err := p.SetPowerState(context.Background(), testTask(t, nil), node.PowerOn)
	var cmdErr *errors.ExternalCommandFailure
	require.True(t, stderrors.As(err, &cmdErr))
	assert.Equal(t, cfg.CommandAttempts, runner.Count("power", "status"))
}

func TestSetPowerStateInvalidTarget(t *testing.T) {
	runner := processtest.New()
	p := NewPower(testConfig(t), runner, nil, nil)

	_, err := p.SetPowerState(context.Background(), testTask(t, nil), node.Reboot)
	var invalid *errors.InvalidParameterValue
	assert.True(t, stderrors.As(err, &invalid))
	assert.Empty(t, runner.Calls())
}

func TestReboot(t *testing.T) {
	bmc := &fakeBMC{state: "on"}
	runner := processtest.New()
	runner.On("ipmitool").Do(bmc.respond)
	p := NewPower(testConfig(t), runner, nil, nil)

	state, err := p.Reboot(context.Background(), testTask(t, nil))
	require.NoError(t, err)
	assert.Equal(t, node.PowerOn, state)

	off, on := runner.Index("power", "off"), runner.Index("power", "on")
	require.NotEqual(t, -1, off)
	assert.Less(t, off, on)
}

func TestRebootIgnoresUnobservedPowerOff(t *testing.T) {
	bmc := &fakeBMC{state: "on", ignore: map[string]bool{"off": true}}
	runner := processtest.New()
	runner.On("ipmitool").Do(bmc.respond)
	p := NewPower(testConfig(t), runner, nil, nil)

	state, err := p.Reboot(context.Background(), testTask(t, nil))
	require.NoError(t, err)
	assert.Equal(t, node.PowerOn, state)
}

func TestRebootFailsWhenPowerOnIsNotReached(t *testing.T) {
	bmc := &fakeBMC{state: "on", ignore: map[string]bool{"on": true}}
	runner := processtest.New()
	runner.On("ipmitool").Do(bmc.respond)
	p := NewPower(testConfig(t), runner, nil, nil)

	state, err := p.Reboot(context.Background(), testTask(t, nil))
	assert.Equal(t, node.PowerError, state)
	var failure *errors.PowerStateFailure
	assert.True(t, stderrors.As(err, &failure))
}

func TestCommandArgsAndPasswordFile(t *testing.T) {
	cfg := testConfig(t)
	var pwPath string
	runner := processtest.New()
	runner.On("ipmitool").Do(func(cmd process.Cmd) (process.Result, int, error) {
		i := slices.Index(cmd.Args, "-f")
		require.GreaterOrEqual(t, i, 0)
		pwPath = cmd.Args[i+1]

		fi, err := os.Stat(pwPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
		data, err := os.ReadFile(pwPath)
		require.NoError(t, err)
		assert.Equal(t, "secret", string(data))
		return process.Result{Stdout: "Chassis Power is on\n"}, 0, nil
	})
	p := NewPower(cfg, runner, nil, nil)

	_, err := p.GetPowerState(context.Background(), testTask(t, nil))
	require.NoError(t, err)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{
		"-I", "lanplus", "-H", "10.0.0.5", "-L", "ADMINISTRATOR", "-U", "admin",
		"-f", pwPath, "power", "status",
	}, calls[0].Args)
	assert.Equal(t, cfg.CommandAttempts, calls[0].Attempts)
	assert.NoFileExists(t, pwPath)
}

func TestCommandArgsWithoutUsername(t *testing.T) {
	runner := processtest.New()
	p := NewPower(testConfig(t), runner, nil, nil)
	task := testTask(t, map[string]string{InfoAddress: "10.0.0.5", InfoPrivLevel: "OPERATOR"})

	_, err := p.GetPowerState(context.Background(), task)
	require.NoError(t, err)

	args := runner.Calls()[0].Args
	assert.NotContains(t, args, "-U")
	assert.Equal(t, []string{"-I", "lanplus", "-H", "10.0.0.5", "-L", "OPERATOR"}, args[:6])
}

func TestParseDriverInfo(t *testing.T) {
	tests := []struct {
		name string
		info map[string]string
		ok   bool
	}{
		{"minimal", map[string]string{InfoAddress: "h"}, true},
		{"missing address", map[string]string{InfoUsername: "u"}, false},
		{"bad priv level", map[string]string{InfoAddress: "h", InfoPrivLevel: "ROOT"}, false},
		{"bad terminal port", map[string]string{InfoAddress: "h", InfoTerminalPort: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDriverInfo(&node.Node{ID: "n", DriverInfo: tt.info})
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var invalid *errors.InvalidParameterValue
			assert.True(t, stderrors.As(err, &invalid))
		})
	}
}

func TestValidateControllerUnreachable(t *testing.T) {
	runner := processtest.New()
	runner.On("ipmitool", "mc", "guid").Fail(1, "Unable to establish IPMI v2 / RMCP+ session")
	p := NewPower(testConfig(t), runner, nil, nil)

	err := p.Validate(context.Background(), testTask(t, nil))
	var invalid *errors.InvalidParameterValue
	assert.True(t, stderrors.As(err, &invalid))
}

func TestSetBootDevice(t *testing.T) {
	runner := processtest.New()
	m := NewManagement(testConfig(t), runner, nil, nil)
	ctx := context.Background()
	task := testTask(t, nil)

	require.NoError(t, m.SetBootDevice(ctx, task, driver.BootPXE, true))
	assert.Equal(t, 1, runner.Count("chassis", "bootdev", "pxe", "options=persistent"))

	require.NoError(t, m.SetBootDevice(ctx, task, driver.BootDisk, false))
	args := runner.Calls()[1].Args
	assert.Equal(t, "disk", args[len(args)-1])

	err := m.SetBootDevice(ctx, task, "floppy", false)
	var invalid *errors.InvalidParameterValue
	assert.True(t, stderrors.As(err, &invalid))
	assert.Len(t, runner.Calls(), 2)
}

func TestGetBootDevice(t *testing.T) {
	runner := processtest.New()
	runner.On("ipmitool", "chassis", "bootparam", "get", "5").Return(`Boot parameter version: 1
Boot parameter 5 is valid/unlocked
Boot parameter data: c004000000
 Boot Flags :
   - Boot Flag Valid
   - Options apply to all future boots
   - BIOS PC Compatible (legacy) boot
   - Boot Device Selector : Force PXE
   - Console Redirection control : System Default
`)
	m := NewManagement(testConfig(t), runner, nil, nil)

	device, persistent, err := m.GetBootDevice(context.Background(), testTask(t, nil))
	require.NoError(t, err)
	assert.Equal(t, driver.BootPXE, device)
	assert.True(t, persistent)
}

func TestParseBootParam(t *testing.T) {
	tests := []struct {
		selector string
		want     driver.BootDevice
	}{
		{"Force Boot from default Hard-Drive", driver.BootDisk},
		{"Force Boot from default Hard-Drive, request Safe-Mode", driver.BootSafe},
		{"Force Boot from CD/DVD", driver.BootCDROM},
		{"Force Boot into BIOS Setup", driver.BootBIOS},
		{"No override", ""},
	}
	for _, tt := range tests {
		device, persistent := parseBootParam("   - Options apply to only next boot\n   - Boot Device Selector : " + tt.selector + "\n")
		assert.Equal(t, tt.want, device, tt.selector)
		assert.False(t, persistent)
	}
}

func TestVendorSetBootDevice(t *testing.T) {
	runner := processtest.New()
	mgmt := NewManagement(testConfig(t), runner, nil, nil)
	d := driver.New("pxe_ipmitool", driver.Interfaces{Management: mgmt, Vendor: NewVendor(mgmt)})
	task := testTask(t, nil)
	task.Driver = d
	ctx := context.Background()

	got, err := d.VendorPassthru(ctx, task, "set_boot_device", map[string]string{"device": "cdrom", "persistent": "true"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"device": driver.BootCDROM, "persistent": true}, got)
	assert.Equal(t, 1, runner.Count("bootdev", "cdrom", "options=persistent"))

	bad := []map[string]string{
		{"device": "floppy"},
		{"device": "pxe", "persistent": "maybe"},
		{"persistent": "true"},
	}
	for _, params := range bad {
		_, err := d.VendorPassthru(ctx, task, "set_boot_device", params)
		var invalid *errors.InvalidParameterValue
		assert.True(t, stderrors.As(err, &invalid), params)
	}
	assert.Equal(t, 1, len(runner.Calls()))
}

func TestConsole(t *testing.T) {
	cfg := console.DefaultConfig()
	cfg.PIDDir = t.TempDir()
	cfg.Host = "conductor.local"
	runner := processtest.New()
	c := NewConsole(testConfig(t), runner, console.New(cfg, runner, nil), nil, nil)
	ctx := context.Background()

	task := testTask(t, nil)
	var invalid *errors.InvalidParameterValue
	assert.True(t, stderrors.As(c.Validate(ctx, task), &invalid))

	task.Node.DriverInfo[InfoTerminalPort] = "8023"
	require.NoError(t, c.Validate(ctx, task))

	got, err := c.GetConsole(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, driver.ConsoleInfo{Type: "shellinabox", URL: "http://conductor.local:8023"}, got)
}

func TestSolCommand(t *testing.T) {
	in := &info{address: "10.0.0.5", username: "ad min", privLevel: "ADMINISTRATOR"}
	assert.Equal(t,
		"ipmitool -I lanplus -H 10.0.0.5 -L ADMINISTRATOR -U 'ad min' -f /run/pw sol activate",
		solCommand(in, "/run/pw"))
}
