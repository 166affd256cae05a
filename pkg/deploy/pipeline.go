// Package deploy writes a disk image onto a node's disk exported over iSCSI
// and hands the node back to its boot agent.
package deploy

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/fly-io/metalprov/pkg/disk"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/metrics"
	"github.com/fly-io/metalprov/pkg/process"
	"github.com/fly-io/metalprov/pkg/pxe"
)

const mebibyte = 1024 * 1024

// Config tunes the timing and callback of a deploy.
type Config struct {
	// LoginSettle is waited after iSCSI login before the device path is used.
	LoginSettle time.Duration
	// NotifySettle is waited before contacting the node's boot agent.
	NotifySettle      time.Duration
	NotifyPort        int
	NotifyToken       string
	NotifyDialTimeout time.Duration
}

// DefaultConfig returns the timings the boot agent expects.
func DefaultConfig() Config {
	return Config{
		LoginSettle:       3 * time.Second,
		NotifySettle:      3 * time.Second,
		NotifyPort:        10000,
		NotifyToken:       "done",
		NotifyDialTimeout: 10 * time.Second,
	}
}

// Params describes one deploy attempt.
type Params struct {
	Target Target
	// NodeAddress is where the node's boot agent listens for completion.
	NodeAddress       string
	ImagePath         string
	PXEConfigPath     string
	RootMiB           int
	SwapMiB           int
	EphemeralMiB      int
	EphemeralFormat   string
	PreserveEphemeral bool
}

// Result reports what a successful deploy wrote.
type Result struct {
	RootUUID string
	RootMiB  int
	Plan     *disk.Plan
}

// Pipeline runs deploys. It is safe for concurrent use on different nodes.
type Pipeline struct {
	cfg         Config
	runner      process.Runner
	partitioner *disk.Partitioner
	tools       *disk.Tools
	checker     disk.DeviceChecker
	logger      *slog.Logger
	metrics     *metrics.Metrics

	sleep        func(ctx context.Context, d time.Duration) error
	dial         func(ctx context.Context, network, address string) (net.Conn, error)
	imageSize    func(path string) (int64, error)
	switchConfig func(path, rootUUID string) error
}

// Option customises a Pipeline.
type Option func(*Pipeline)

func WithDeviceChecker(c disk.DeviceChecker) Option {
	return func(p *Pipeline) { p.checker = c }
}

func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

func WithDialer(fn func(ctx context.Context, network, address string) (net.Conn, error)) Option {
	return func(p *Pipeline) { p.dial = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New builds a Pipeline running its commands through runner.
func New(cfg Config, runner process.Runner, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:          cfg,
		runner:       runner,
		checker:      disk.StatChecker{},
		logger:       logger.With("component", "deploy"),
		sleep:        sleepContext,
		imageSize:    fileSize,
		switchConfig: pxe.SwitchConfig,
	}
	p.dial = (&net.Dialer{Timeout: cfg.NotifyDialTimeout}).DialContext
	for _, opt := range opts {
		opt(p)
	}
	p.partitioner = disk.NewPartitioner(runner, p.checker, logger)
	p.tools = disk.NewTools(runner, logger)
	return p
}

// Deploy writes params.ImagePath onto the node's disk and signals its boot
// agent. Once login succeeds the iSCSI session is always logged out and
// deleted before Deploy returns, and ctx cancellation is no longer honored.
func (p *Pipeline) Deploy(ctx context.Context, params Params) (res *Result, err error) {
	start := time.Now()
	defer func() { p.metrics.ObserveDeploy(time.Since(start), err == nil) }()

	if err := params.Target.Validate(); err != nil {
		return nil, err
	}
	if params.NodeAddress == "" {
		return nil, errors.InvalidParameter("node address is required")
	}

	log := p.logger.With("iqn", params.Target.IQN, "portal", params.Target.Portal())
	log.Info("deploy_start", "image", params.ImagePath)

	rootMiB, err := p.reconcileRootSize(params)
	if err != nil {
		log.Error("image_size_failed", "image", params.ImagePath, "error", err)
		return nil, err
	}

	if err := p.discover(ctx, params.Target); err != nil {
		return nil, err
	}
	if err := p.login(ctx, params.Target); err != nil {
		return nil, err
	}

	// Past login the session must be torn down, so the rest runs to completion.
	ctx = context.WithoutCancel(ctx)

	res, err = p.imageDisk(ctx, log, params, rootMiB)
	if cleanupErr := p.cleanup(ctx, params.Target); cleanupErr != nil {
		log.Error("iscsi_cleanup_failed", "error", cleanupErr)
		if err == nil {
			return nil, cleanupErr
		}
		return nil, stderrors.Join(err, cleanupErr)
	}
	if err != nil {
		log.Error("deploy_failed", "error", err)
		return nil, err
	}

	if params.PXEConfigPath != "" {
		log.Info("boot_config_switch", "path", params.PXEConfigPath, "root_uuid", res.RootUUID)
		if err := p.switchConfig(params.PXEConfigPath, res.RootUUID); err != nil {
			log.Error("boot_config_switch_failed", "path", params.PXEConfigPath, "error", err)
			return nil, err
		}
	}

	if err := p.sleep(ctx, p.cfg.NotifySettle); err != nil {
		return nil, err
	}
	if err := p.notify(ctx, params.NodeAddress); err != nil {
		log.Error("notify_failed", "address", params.NodeAddress, "error", err)
		return nil, err
	}

	log.Info("deploy_complete", "root_uuid", res.RootUUID, "root_mb", res.RootMiB)
	return res, nil
}

// imageDisk runs every step that needs the iSCSI session.
func (p *Pipeline) imageDisk(ctx context.Context, log *slog.Logger, params Params, rootMiB int) (*Result, error) {
	if err := p.sleep(ctx, p.cfg.LoginSettle); err != nil {
		return nil, err
	}

	dev := params.Target.DevicePath()
	if ok, err := p.checker.IsBlockDevice(dev); err != nil || !ok {
		log.Error("parent_device_missing", "device", dev, "error", err)
		return nil, &errors.DeviceNotFound{Role: "parent", Path: dev}
	}

	plan, err := p.partitioner.MakePartitions(ctx, dev, rootMiB, params.SwapMiB, params.EphemeralMiB)
	if err != nil {
		return nil, err
	}
	root, _ := plan.Path(disk.RoleRoot)

	if err := p.tools.CopyImage(ctx, params.ImagePath, root); err != nil {
		return nil, err
	}

	if swap, ok := plan.Path(disk.RoleSwap); ok {
		if err := p.tools.MakeSwap(ctx, swap); err != nil {
			return nil, err
		}
	}

	if ephemeral, ok := plan.Path(disk.RoleEphemeral); ok {
		if params.PreserveEphemeral {
			log.Info("ephemeral_preserved", "device", ephemeral)
		} else if err := p.tools.MakeFilesystem(ctx, params.EphemeralFormat, ephemeral, disk.EphemeralLabel); err != nil {
			return nil, err
		}
	}

	uuid, err := p.tools.FilesystemUUID(ctx, root)
	if err != nil {
		log.Error("root_uuid_failed", "device", root, "error", err)
		return nil, err
	}

	return &Result{RootUUID: uuid, RootMiB: rootMiB, Plan: plan}, nil
}

// cleanup logs out of and forgets the target. Both steps always run.
func (p *Pipeline) cleanup(ctx context.Context, t Target) error {
	return stderrors.Join(p.logout(ctx, t), p.deleteTarget(ctx, t))
}

// reconcileRootSize raises the requested root size to the image size rounded
// up to a whole MiB.
func (p *Pipeline) reconcileRootSize(params Params) (int, error) {
	size, err := p.imageSize(params.ImagePath)
	if err != nil {
		return 0, err
	}
	imageMiB := int((size + mebibyte - 1) / mebibyte)
	if imageMiB > params.RootMiB {
		p.logger.Info("root_size_raised", "requested_mb", params.RootMiB, "image_mb", imageMiB)
		return imageMiB, nil
	}
	return params.RootMiB, nil
}

// notify tells the boot agent on the node that its disk is ready. No reply is
// awaited.
func (p *Pipeline) notify(ctx context.Context, address string) error {
	addr := net.JoinHostPort(address, strconv.Itoa(p.cfg.NotifyPort))
	p.logger.Info("notify_node", "address", addr)

	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to connect to boot agent")
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(p.cfg.NotifyToken)); err != nil {
		return errors.Wrap(err, "failed to signal boot agent")
	}
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to stat image")
	}
	return info.Size(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
