// Package disk builds partition tables and filesystems on block devices.
package disk

import (
	"context"
	"log/slog"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/process"
)

// Partitioner commits partition plans with sfdisk.
type Partitioner struct {
	runner  process.Runner
	checker DeviceChecker
	logger  *slog.Logger
}

func NewPartitioner(runner process.Runner, checker DeviceChecker, logger *slog.Logger) *Partitioner {
	if checker == nil {
		checker = StatChecker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Partitioner{runner: runner, checker: checker, logger: logger.With("component", "partitioner")}
}

// MakePartitions writes an ephemeral, swap and root layout to device and
// checks that every resulting partition is a block device.
func (p *Partitioner) MakePartitions(ctx context.Context, device string, rootMiB, swapMiB, ephemeralMiB int) (*Plan, error) {
	plan, err := NewPlan(device, rootMiB, swapMiB, ephemeralMiB)
	if err != nil {
		return nil, err
	}
	if err := p.Commit(ctx, plan); err != nil {
		return nil, err
	}
	if err := p.Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Commit replaces the partition table of plan.Device.
func (p *Partitioner) Commit(ctx context.Context, plan *Plan) error {
	p.logger.Info("partition_commit_start", "device", plan.Device, "partitions", len(plan.Entries))
	for _, e := range plan.Entries {
		p.logger.Debug("partition_entry", "device", plan.Device, "entry", e.String())
	}

	_, err := p.runner.Run(ctx, process.Cmd{
		Name:       "sfdisk",
		Args:       []string{"--wipe", "always", "--wipe-partitions", "always", plan.Device},
		Privileged: true,
		Stdin:      plan.script(),
	})
	if err != nil {
		return &errors.PartitionCommitFailure{Device: plan.Device, Err: err}
	}

	// The kernel may not have re-read the table yet.
	if _, err := p.runner.Run(ctx, process.Cmd{
		Name:       "udevadm",
		Args:       []string{"settle"},
		Privileged: true,
	}); err != nil {
		p.logger.Warn("udev_settle_failed", "device", plan.Device, "error", err)
	}

	p.logger.Info("partition_commit_complete", "device", plan.Device)
	return nil
}

// Validate fails with DeviceNotFound naming the first partition of plan that
// does not resolve to a block device.
func (p *Partitioner) Validate(plan *Plan) error {
	for _, e := range plan.Entries {
		path := plan.Paths[e.Role]
		ok, err := p.checker.IsBlockDevice(path)
		if err != nil || !ok {
			p.logger.Error("partition_missing", "role", e.Role, "path", path, "error", err)
			return &errors.DeviceNotFound{Role: string(e.Role), Path: path}
		}
	}
	return nil
}
