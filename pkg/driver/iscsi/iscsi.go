// Package iscsi deploys images by exporting the node's disk over iSCSI and
// writing it from the conductor.
package iscsi

import (
	"context"
	"log/slog"
	"os"

	"github.com/fly-io/metalprov/pkg/deploy"
	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/images"
	"github.com/fly-io/metalprov/pkg/node"
)

// Driver info keys.
const (
	InfoAddress = "iscsi_address"
	InfoPort    = "iscsi_port"
	InfoIQN     = "iscsi_iqn"
	InfoLUN     = "iscsi_lun"
)

const defaultLUN = 1

// Pipeline writes an image over an iSCSI session.
type Pipeline interface {
	Deploy(ctx context.Context, params deploy.Params) (*deploy.Result, error)
}

// Resolver turns a node's image reference into a local file.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (*images.Image, error)
}

// Deploy implements driver.DeployInterface.
type Deploy struct {
	pipeline Pipeline
	images   Resolver
	logger   *slog.Logger
}

var _ driver.DeployInterface = (*Deploy)(nil)

func New(pipeline Pipeline, resolver Resolver, logger *slog.Logger) *Deploy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deploy{pipeline: pipeline, images: resolver, logger: logger.With("component", "iscsi_deploy")}
}

// ParseTarget reads the node's iSCSI export from its driver info.
func ParseTarget(n *node.Node) (deploy.Target, error) {
	port, err := n.IntInfo(InfoPort, deploy.DefaultISCSIPort)
	if err != nil {
		return deploy.Target{}, err
	}
	lun, err := n.IntInfo(InfoLUN, defaultLUN)
	if err != nil {
		return deploy.Target{}, err
	}
	t := deploy.Target{
		Address: n.Info(InfoAddress),
		Port:    port,
		IQN:     n.Info(InfoIQN),
		LUN:     lun,
	}
	return t, t.Validate()
}

func (d *Deploy) Validate(_ context.Context, task *driver.Task) error {
	if _, err := ParseTarget(task.Node); err != nil {
		return err
	}
	n := task.Node
	switch {
	case n.ImageRef == "":
		return errors.InvalidParameter("node %s has no image", n.ID)
	case n.RootMiB <= 0:
		return errors.InvalidParameter("node %s root size must be positive, got %d", n.ID, n.RootMiB)
	case n.SwapMiB < 0 || n.EphemeralMiB < 0:
		return errors.InvalidParameter("node %s partition sizes cannot be negative", n.ID)
	}
	return nil
}

// Deploy resolves the image and runs the imaging pipeline. The node's root
// size is updated when the image needed more room than requested.
func (d *Deploy) Deploy(ctx context.Context, task *driver.Task) (node.ProvisionState, error) {
	if err := task.RequireExclusive("deploy"); err != nil {
		return "", err
	}
	if err := d.Validate(ctx, task); err != nil {
		return node.DeployFailed, err
	}
	n := task.Node
	target, _ := ParseTarget(n)

	img, err := d.images.Resolve(ctx, n.ImageRef)
	if err != nil {
		d.logger.Error("image_resolve_failed", "node_id", n.ID, "image", n.ImageRef, "error", err)
		return node.DeployFailed, err
	}

	res, err := d.pipeline.Deploy(ctx, deploy.Params{
		Target:            target,
		NodeAddress:       target.Address,
		ImagePath:         img.Path,
		PXEConfigPath:     n.PXEConfigPath,
		RootMiB:           n.RootMiB,
		SwapMiB:           n.SwapMiB,
		EphemeralMiB:      n.EphemeralMiB,
		EphemeralFormat:   n.EphemeralFormat,
		PreserveEphemeral: n.PreserveEphemeral,
	})
	if err != nil {
		return node.DeployFailed, err
	}
	n.RootUUID = res.RootUUID
	if res.RootMiB != n.RootMiB {
		d.logger.Info("root_size_adjusted", "node_id", n.ID, "requested_mb", n.RootMiB, "root_mb", res.RootMiB)
		n.RootMiB = res.RootMiB
	}
	return node.Active, nil
}

// TearDown powers the node off and removes its boot configuration.
func (d *Deploy) TearDown(ctx context.Context, task *driver.Task) (node.ProvisionState, error) {
	if err := task.RequireExclusive("tear down"); err != nil {
		return "", err
	}
	n := task.Node
	if power, ok := task.Driver.Power(); ok {
		state, err := power.SetPowerState(ctx, task, node.PowerOff)
		if err != nil {
			return node.Deleting, err
		}
		n.PowerState = state
	}
	if n.PXEConfigPath != "" {
		if err := os.Remove(n.PXEConfigPath); err != nil && !os.IsNotExist(err) {
			return node.Deleting, errors.Wrap(err, "failed to remove boot config")
		}
	}
	d.logger.Info("tear_down_complete", "node_id", n.ID)
	return node.Available, nil
}
