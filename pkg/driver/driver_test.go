package driver_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/driver/fake"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/lock"
	"github.com/fly-io/metalprov/pkg/node"
)

func newTask(t *testing.T, d *driver.Driver, mode lock.Mode) *driver.Task {
	t.Helper()
	g, err := lock.New(nil, nil).TryAcquire(context.Background(), "node-1", mode)
	require.NoError(t, err)
	t.Cleanup(g.Release)
	return &driver.Task{Node: &node.Node{ID: "node-1"}, Guard: g, Driver: d}
}

func TestRegistry(t *testing.T) {
	r, err := driver.NewRegistry(fake.New(), driver.New("power_only", driver.Interfaces{Power: &fake.Power{}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"fake", "power_only"}, r.Names())

	d, err := r.Get("power_only")
	require.NoError(t, err)
	_, ok := d.Power()
	assert.True(t, ok)
	_, ok = d.Deploy()
	assert.False(t, ok)
	assert.Equal(t, []driver.Capability{driver.CapPower}, d.Capabilities())

	_, err = r.Get("nope")
	var invalid *errors.InvalidParameterValue
	assert.True(t, stderrors.As(err, &invalid))

	_, err = driver.NewRegistry(fake.New(), fake.New())
	assert.Error(t, err)
}

func TestVendorPassthruRoutesByMethod(t *testing.T) {
	d := fake.New()
	task := newTask(t, d, lock.Exclusive)
	ctx := context.Background()

	got, err := d.VendorPassthru(ctx, task, "first_method", map[string]string{"bar": "baz"})
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = d.VendorPassthru(ctx, task, "second_method", map[string]string{"bar": "baz"})
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = d.VendorPassthru(ctx, task, "second_method", map[string]string{"bar": "kazoo"})
	require.NoError(t, err)
	assert.Equal(t, true, got)
}

func TestVendorPassthruRejectsBeforeExecuting(t *testing.T) {
	d := fake.New()
	task := newTask(t, d, lock.Exclusive)
	ctx := context.Background()

	tests := []struct {
		name   string
		method string
		params map[string]string
	}{
		{"unknown method", "third_method", map[string]string{"bar": "baz"}},
		{"missing param", "first_method", nil},
		{"empty param", "first_method", map[string]string{"bar": ""}},
		{"unexpected param", "second_method", map[string]string{"bar": "kazoo", "extra": "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.VendorPassthru(ctx, task, tt.method, tt.params)
			var invalid *errors.InvalidParameterValue
			assert.True(t, stderrors.As(err, &invalid))
		})
	}
}

func TestUnsupportedCapability(t *testing.T) {
	d := driver.New("bare", driver.Interfaces{})
	_, err := d.VendorPassthru(context.Background(), newTask(t, d, lock.Shared), "x", nil)
	var invalid *errors.InvalidParameterValue
	assert.True(t, stderrors.As(err, &invalid))
}

func TestFakePower(t *testing.T) {
	d := fake.New()
	task := newTask(t, d, lock.Exclusive)
	power, _ := d.Power()
	ctx := context.Background()

	state, err := power.GetPowerState(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, node.PowerUnknown, state)

	state, err = power.SetPowerState(ctx, task, node.PowerOn)
	require.NoError(t, err)
	assert.Equal(t, node.PowerOn, state)
	assert.Equal(t, node.PowerOn, task.Node.PowerState)

	_, err = power.SetPowerState(ctx, task, node.PowerError)
	var invalid *errors.InvalidParameterValue
	assert.True(t, stderrors.As(err, &invalid))
}

func TestFakeManagement(t *testing.T) {
	d := fake.New()
	task := newTask(t, d, lock.Exclusive)
	mgmt, _ := d.Management()

	assert.NoError(t, mgmt.SetBootDevice(context.Background(), task, driver.BootPXE, false))
	assert.Error(t, mgmt.SetBootDevice(context.Background(), task, driver.BootDisk, false))
}

func TestValidateInterfaces(t *testing.T) {
	d := fake.New()
	results := d.ValidateInterfaces(context.Background(), newTask(t, d, lock.Shared))
	assert.Len(t, results, 4)
	for c, err := range results {
		assert.NoError(t, err, c)
	}
}

func TestRequireExclusive(t *testing.T) {
	d := fake.New()
	err := newTask(t, d, lock.Shared).RequireExclusive("deploy")
	var invalid *errors.InvalidParameterValue
	require.True(t, stderrors.As(err, &invalid))
	assert.False(t, errors.IsRetryable(err))
	assert.NoError(t, newTask(t, d, lock.Exclusive).RequireExclusive("deploy"))
}
