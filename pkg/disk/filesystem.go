package disk

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/process"
)

// Labels written to the filesystems a deploy creates.
const (
	SwapLabel      = "swap1"
	EphemeralLabel = "ephemeral0"
)

// Tools wraps the block-level utilities a deploy runs against partitions.
type Tools struct {
	runner process.Runner
	logger *slog.Logger
}

func NewTools(runner process.Runner, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{runner: runner, logger: logger.With("component", "disk_tools")}
}

// CopyImage clones src onto dst block by block with direct I/O. It is never
// retried.
func (t *Tools) CopyImage(ctx context.Context, src, dst string) error {
	t.logger.Info("image_copy_start", "source", src, "target", dst)
	_, err := t.runner.Run(ctx, process.Cmd{
		Name:       "dd",
		Args:       []string{"if=" + src, "of=" + dst, "bs=1M", "oflag=direct"},
		Privileged: true,
	})
	if err != nil {
		return err
	}
	t.logger.Info("image_copy_complete", "target", dst)
	return nil
}

// MakeSwap formats dev as swap.
func (t *Tools) MakeSwap(ctx context.Context, dev string) error {
	t.logger.Info("mkswap", "device", dev)
	_, err := t.runner.Run(ctx, process.Cmd{
		Name:       "mkswap",
		Args:       []string{"-L", SwapLabel, dev},
		Privileged: true,
	})
	return err
}

// MakeFilesystem creates a filesystem of fsType on dev.
func (t *Tools) MakeFilesystem(ctx context.Context, fsType, dev, label string) error {
	if fsType == "" {
		return errors.InvalidParameter("filesystem type is required for %s", dev)
	}
	t.logger.Info("mkfs", "device", dev, "filesystem", fsType, "label", label)

	args := []string{"-t", fsType}
	switch {
	case strings.HasPrefix(fsType, "ext"):
		args = append(args, "-F", "-L", label)
	case fsType == "vfat" || fsType == "fat":
		args = append(args, "-n", label)
	case fsType == "swap" || fsType == "linux-swap":
		return t.MakeSwap(ctx, dev)
	default:
		args = append(args, "-L", label)
	}
	args = append(args, dev)

	_, err := t.runner.Run(ctx, process.Cmd{Name: "mkfs", Args: args, Privileged: true})
	return err
}

// FilesystemUUID returns the filesystem UUID of dev.
func (t *Tools) FilesystemUUID(ctx context.Context, dev string) (string, error) {
	res, err := t.runner.Run(ctx, process.Cmd{
		Name:       "blkid",
		Args:       []string{"-s", "UUID", "-o", "value", dev},
		Privileged: true,
	})
	if err != nil {
		return "", err
	}
	uuid := strings.TrimSpace(res.Stdout)
	if uuid == "" {
		return "", &errors.ExternalCommandFailure{
			Command: "blkid",
			Args:    []string{"-s", "UUID", "-o", "value", dev},
			Stdout:  res.Stdout,
			Stderr:  "no filesystem uuid reported",
		}
	}
	return uuid, nil
}
