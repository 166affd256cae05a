// Package conductor runs node operations: every call locks the node, loads its
// snapshot, dispatches to the node's driver and persists what changed.
package conductor

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fly-io/metalprov/pkg/db"
	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/lock"
	"github.com/fly-io/metalprov/pkg/node"
)

// LockPolicy decides what happens when a node is already locked.
type LockPolicy string

const (
	// FailFast returns NodeLocked immediately.
	FailFast LockPolicy = "fail-fast"
	// Wait queues for the lock for up to Config.LockTimeout.
	Wait LockPolicy = "wait"
)

// ParseLockPolicy validates a configured policy name.
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch p := LockPolicy(s); p {
	case FailFast, Wait:
		return p, nil
	}
	return "", errors.InvalidParameter("unknown lock policy %q, expected %s or %s", s, FailFast, Wait)
}

type Config struct {
	LockPolicy LockPolicy
	// LockTimeout bounds waiting under the Wait policy. Zero waits until the
	// caller's context ends.
	LockTimeout time.Duration
	// Parallelism bounds fleet wide operations.
	Parallelism int
}

func DefaultConfig() Config {
	return Config{LockPolicy: FailFast, LockTimeout: 30 * time.Second, Parallelism: 8}
}

// Store is the inventory the conductor loads snapshots from and writes them
// back to.
type Store interface {
	GetNode(ctx context.Context, id string) (*node.Node, error)
	ListNodes(ctx context.Context) ([]*node.Node, error)
	UpdateNode(ctx context.Context, n *node.Node) error
	StartDeployment(ctx context.Context, nodeID, imageRef string) (*db.Deployment, error)
	FinishDeployment(ctx context.Context, id, status, rootUUID, errorMessage string) error
}

// DeployWorkflow runs one deploy attempt for a locked node.
type DeployWorkflow interface {
	Deploy(ctx context.Context, task *driver.Task, deploymentID string) error
}

type Conductor struct {
	cfg      Config
	store    Store
	drivers  *driver.Registry
	locks    *lock.Manager
	workflow DeployWorkflow
	logger   *slog.Logger
}

func New(cfg Config, store Store, drivers *driver.Registry, locks *lock.Manager, workflow DeployWorkflow, logger *slog.Logger) *Conductor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LockPolicy == "" {
		cfg.LockPolicy = FailFast
	}
	return &Conductor{
		cfg:      cfg,
		store:    store,
		drivers:  drivers,
		locks:    locks,
		workflow: workflow,
		logger:   logger.With("component", "conductor"),
	}
}

func (c *Conductor) acquire(ctx context.Context, nodeID string, mode lock.Mode) (*lock.Guard, error) {
	if c.cfg.LockPolicy == FailFast {
		return c.locks.TryAcquire(ctx, nodeID, mode)
	}
	if c.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.LockTimeout)
		defer cancel()
	}
	return c.locks.Acquire(ctx, nodeID, mode)
}

// withTask runs fn on a locked snapshot of the node and persists the snapshot
// afterwards, also when fn fails. The lock is released on every path.
func (c *Conductor) withTask(ctx context.Context, nodeID string, mode lock.Mode, op string, fn func(ctx context.Context, task *driver.Task) error) (err error) {
	guard, err := c.acquire(ctx, nodeID, mode)
	if err != nil {
		c.logger.Warn("node_locked", "node_id", nodeID, "op", op, "error", err)
		return err
	}
	defer guard.Release()

	n, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	d, err := c.drivers.Get(n.Driver)
	if err != nil {
		return err
	}

	log := c.logger.With("node_id", nodeID, "op", op, "driver", d.Name())
	log.Debug("task_start", "mode", mode.String())

	task := &driver.Task{Node: n, Guard: guard, Driver: d}
	err = fn(ctx, task)
	if err != nil {
		log.Error("task_failed", "error", err)
	}

	// Persist even when the caller gave up; the node's state changed anyway.
	if saveErr := c.store.UpdateNode(context.WithoutCancel(ctx), task.Node); saveErr != nil {
		log.Error("node_persist_failed", "error", saveErr)
		return stderrors.Join(err, saveErr)
	}
	return err
}

func requirePower(task *driver.Task) (driver.PowerInterface, error) {
	p, ok := task.Driver.Power()
	if !ok {
		return nil, driver.Unsupported(task.Driver, driver.CapPower)
	}
	return p, nil
}

// Validate runs every interface's validation for the node.
func (c *Conductor) Validate(ctx context.Context, nodeID string) (map[driver.Capability]error, error) {
	var results map[driver.Capability]error
	err := c.withTask(ctx, nodeID, lock.Shared, "validate", func(ctx context.Context, task *driver.Task) error {
		results = task.Driver.ValidateInterfaces(ctx, task)
		return nil
	})
	return results, err
}

// GetPowerState reads the node's power state and records it.
func (c *Conductor) GetPowerState(ctx context.Context, nodeID string) (node.PowerState, error) {
	var state node.PowerState
	err := c.withTask(ctx, nodeID, lock.Shared, "get_power_state", func(ctx context.Context, task *driver.Task) error {
		power, err := requirePower(task)
		if err != nil {
			return err
		}
		state, err = power.GetPowerState(ctx, task)
		if err != nil {
			return err
		}
		task.Node.PowerState = state
		return nil
	})
	return state, err
}

// SetPowerState drives the node to on or off, or reboots it for node.Reboot.
func (c *Conductor) SetPowerState(ctx context.Context, nodeID string, target node.PowerState) (node.PowerState, error) {
	switch target {
	case node.PowerOn, node.PowerOff, node.Reboot:
	default:
		return "", errors.InvalidParameter("unsupported power state %q", target)
	}

	var state node.PowerState
	err := c.withTask(ctx, nodeID, lock.Exclusive, "set_power_state", func(ctx context.Context, task *driver.Task) error {
		power, err := requirePower(task)
		if err != nil {
			return err
		}
		n := task.Node
		n.TargetPowerState = target
		defer func() { n.TargetPowerState = "" }()

		if target == node.Reboot {
			state, err = power.Reboot(ctx, task)
		} else {
			state, err = power.SetPowerState(ctx, task, target)
		}
		if state != "" {
			n.PowerState = state
		}
		if err != nil {
			n.LastError = err.Error()
			return err
		}
		n.LastError = ""
		return nil
	})
	return state, err
}

func (c *Conductor) SetBootDevice(ctx context.Context, nodeID string, device driver.BootDevice, persistent bool) error {
	return c.withTask(ctx, nodeID, lock.Exclusive, "set_boot_device", func(ctx context.Context, task *driver.Task) error {
		mgmt, ok := task.Driver.Management()
		if !ok {
			return driver.Unsupported(task.Driver, driver.CapManagement)
		}
		return mgmt.SetBootDevice(ctx, task, device, persistent)
	})
}

// BootDevice is the current boot target of a node.
type BootDevice struct {
	Device     driver.BootDevice   `json:"device"`
	Persistent bool                `json:"persistent"`
	Supported  []driver.BootDevice `json:"supported"`
}

func (c *Conductor) GetBootDevice(ctx context.Context, nodeID string) (*BootDevice, error) {
	var out *BootDevice
	err := c.withTask(ctx, nodeID, lock.Shared, "get_boot_device", func(ctx context.Context, task *driver.Task) error {
		mgmt, ok := task.Driver.Management()
		if !ok {
			return driver.Unsupported(task.Driver, driver.CapManagement)
		}
		device, persistent, err := mgmt.GetBootDevice(ctx, task)
		if err != nil {
			return err
		}
		out = &BootDevice{Device: device, Persistent: persistent, Supported: mgmt.SupportedBootDevices()}
		return nil
	})
	return out, err
}

// VendorPassthru runs a backend specific method after checking it against
// the driver's allow-list.
func (c *Conductor) VendorPassthru(ctx context.Context, nodeID, method string, params map[string]string) (any, error) {
	var out any
	err := c.withTask(ctx, nodeID, lock.Exclusive, "vendor_passthru", func(ctx context.Context, task *driver.Task) error {
		var err error
		out, err = task.Driver.VendorPassthru(ctx, task, method, params)
		return err
	})
	return out, err
}

func (c *Conductor) console(task *driver.Task) (driver.ConsoleInterface, error) {
	con, ok := task.Driver.Console()
	if !ok {
		return nil, driver.Unsupported(task.Driver, driver.CapConsole)
	}
	return con, nil
}

func (c *Conductor) StartConsole(ctx context.Context, nodeID string) error {
	return c.withTask(ctx, nodeID, lock.Exclusive, "start_console", func(ctx context.Context, task *driver.Task) error {
		con, err := c.console(task)
		if err != nil {
			return err
		}
		return con.StartConsole(ctx, task)
	})
}

func (c *Conductor) StopConsole(ctx context.Context, nodeID string) error {
	return c.withTask(ctx, nodeID, lock.Exclusive, "stop_console", func(ctx context.Context, task *driver.Task) error {
		con, err := c.console(task)
		if err != nil {
			return err
		}
		return con.StopConsole(ctx, task)
	})
}

func (c *Conductor) GetConsole(ctx context.Context, nodeID string) (driver.ConsoleInfo, error) {
	var info driver.ConsoleInfo
	err := c.withTask(ctx, nodeID, lock.Shared, "get_console", func(ctx context.Context, task *driver.Task) error {
		con, err := c.console(task)
		if err != nil {
			return err
		}
		info, err = con.GetConsole(ctx, task)
		return err
	})
	return info, err
}

// Deploy images the node through the deploy workflow and records the attempt
// in the deployment history. Only available or failed nodes can be deployed.
func (c *Conductor) Deploy(ctx context.Context, nodeID string) (*node.Node, error) {
	var out *node.Node
	err := c.withTask(ctx, nodeID, lock.Exclusive, "deploy", func(ctx context.Context, task *driver.Task) error {
		n := task.Node
		switch n.ProvisionState {
		case node.Available, node.DeployFailed:
		default:
			return errors.InvalidParameter("node %s is %s and cannot be deployed", n.ID, n.ProvisionState)
		}
		if _, ok := task.Driver.Deploy(); !ok {
			return driver.Unsupported(task.Driver, driver.CapDeploy)
		}

		rec, err := c.store.StartDeployment(ctx, n.ID, n.ImageRef)
		if err != nil {
			return err
		}
		n.ProvisionState = node.Deploying
		if err := c.store.UpdateNode(ctx, n); err != nil {
			c.finish(ctx, rec.ID, err)
			return err
		}

		c.logger.Info("deploy_start", "node_id", n.ID, "deployment_id", rec.ID, "image", n.ImageRef)
		err = c.workflow.Deploy(ctx, task, rec.ID)
		if err != nil && n.ProvisionState != node.DeployFailed {
			// The workflow never reached a step; the attempt still failed.
			n.ProvisionState = node.DeployFailed
			n.LastError = err.Error()
			c.finish(ctx, rec.ID, err)
		}
		out = n.Clone()
		return err
	})
	return out, err
}

func (c *Conductor) finish(ctx context.Context, deploymentID string, cause error) {
	err := c.store.FinishDeployment(context.WithoutCancel(ctx), deploymentID, db.StatusFailed, "", cause.Error())
	if err != nil {
		c.logger.Error("deployment_record_failed", "deployment_id", deploymentID, "error", err)
	}
}

// TearDown powers the node off and returns it to the available pool.
func (c *Conductor) TearDown(ctx context.Context, nodeID string) error {
	return c.withTask(ctx, nodeID, lock.Exclusive, "tear_down", func(ctx context.Context, task *driver.Task) error {
		dep, ok := task.Driver.Deploy()
		if !ok {
			return driver.Unsupported(task.Driver, driver.CapDeploy)
		}
		n := task.Node
		n.ProvisionState = node.Deleting
		state, err := dep.TearDown(ctx, task)
		if state != "" {
			n.ProvisionState = state
		}
		if err != nil {
			n.LastError = err.Error()
			return err
		}
		n.RootUUID = ""
		n.LastError = ""
		return nil
	})
}

// PowerStatus is one node's entry in a fleet power report.
type PowerStatus struct {
	NodeID string
	State  node.PowerState
	Err    error
}

// PowerStatusAll reads every node's power state with bounded parallelism.
// Per node failures are reported in the result, not returned.
func (c *Conductor) PowerStatusAll(ctx context.Context) ([]PowerStatus, error) {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]PowerStatus, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.Parallelism, 1))
	for i, n := range nodes {
		g.Go(func() error {
			state, err := c.GetPowerState(gctx, n.ID)
			out[i] = PowerStatus{NodeID: n.ID, State: state, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, s := range out {
		if s.Err != nil {
			failed++
		}
	}
	c.logger.Info("power_status_all", "nodes", len(out), "failed", failed)
	return out, nil
}

// IsLocked reports whether err means the node was busy.
func IsLocked(err error) bool {
	var locked *errors.NodeLocked
	return stderrors.As(err, &locked)
}

// String renders a status line.
func (s PowerStatus) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s: %v", s.NodeID, s.Err)
	}
	return fmt.Sprintf("%s: %s", s.NodeID, s.State)
}
