package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/superfly/fsm"

	"github.com/fly-io/metalprov/pkg/db"
	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/node"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	logger     *slog.Logger
	maxRetries int

	mu   sync.Mutex
	runs map[string]*run
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(repo *db.Repository, logger *slog.Logger, maxRetries int) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		repo:       repo,
		logger:     logger.With("component", "fsm"),
		maxRetries: maxRetries,
		runs:       make(map[string]*run),
	}
}

func (m *Machine) attach(deploymentID string, task *driver.Task) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := &run{task: task}
	m.runs[deploymentID] = r
	return r
}

func (m *Machine) detach(deploymentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, deploymentID)
}

func (m *Machine) lookup(deploymentID string) (*run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[deploymentID]
	return r, ok
}

// begin resolves the run behind req and enforces the retry limit. Image writes
// are never repeated, so every failure aborts the workflow.
func (m *Machine) begin(ctx context.Context, state string, req *fsm.Request[DeployRequest, DeployResponse]) (*run, *DeployResponse, error) {
	m.logger.Info("fsm_state_"+state, "node_id", req.Msg.NodeID, "deployment_id", req.Msg.DeploymentID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		m.logger.Error("max_retries_exceeded", "node_id", req.Msg.NodeID, "max_retries", m.maxRetries)
		return nil, nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	r, ok := m.lookup(req.Msg.DeploymentID)
	if !ok {
		m.logger.Error("fsm_run_not_attached", "node_id", req.Msg.NodeID, "deployment_id", req.Msg.DeploymentID)
		return nil, nil, fsm.Abort(fmt.Errorf("deployment %s has no locked task", req.Msg.DeploymentID))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &DeployResponse{}
	}
	return r, resp, nil
}

// fail records err on the node and in the deployment history, then aborts.
func (m *Machine) fail(ctx context.Context, r *run, req *fsm.Request[DeployRequest, DeployResponse], resp *DeployResponse, err error) error {
	m.logger.Error("deploy_step_failed", "node_id", req.Msg.NodeID, "deployment_id", req.Msg.DeploymentID, "error", err)
	r.fail(err)

	n := r.task.Node
	n.ProvisionState = node.DeployFailed
	n.LastError = err.Error()

	resp.Status = db.StatusFailed
	resp.ErrorMessage = err.Error()
	if dbErr := m.repo.FinishDeployment(ctx, req.Msg.DeploymentID, db.StatusFailed, "", err.Error()); dbErr != nil {
		m.logger.Error("deployment_record_failed", "deployment_id", req.Msg.DeploymentID, "error", dbErr)
	}
	return fsm.Abort(err)
}

// handleCheckNode checks the node is held exclusively by a driver that can deploy
func (m *Machine) handleCheckNode(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	r, resp, err := m.begin(ctx, StateCheckNode, req)
	if err != nil {
		return nil, err
	}

	task := r.task
	if err := task.RequireExclusive("deploy"); err != nil {
		return nil, m.fail(ctx, r, req, resp, err)
	}
	if _, ok := task.Driver.Deploy(); !ok {
		return nil, m.fail(ctx, r, req, resp, driver.Unsupported(task.Driver, driver.CapDeploy))
	}
	if task.Node.ImageRef != req.Msg.ImageRef {
		return nil, m.fail(ctx, r, req, resp, fmt.Errorf("node image changed from %s to %s", req.Msg.ImageRef, task.Node.ImageRef))
	}

	task.Node.ProvisionState = node.Deploying
	resp.ProvisionState = string(node.Deploying)
	return fsm.NewResponse(resp), nil
}

// handlePrepare validates the deploy settings and makes the node network boot
func (m *Machine) handlePrepare(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	r, resp, err := m.begin(ctx, StatePrepare, req)
	if err != nil {
		return nil, err
	}

	task := r.task
	dep, _ := task.Driver.Deploy()
	if err := dep.Validate(ctx, task); err != nil {
		return nil, m.fail(ctx, r, req, resp, err)
	}

	if mgmt, ok := task.Driver.Management(); ok {
		if err := mgmt.SetBootDevice(ctx, task, driver.BootPXE, false); err != nil {
			return nil, m.fail(ctx, r, req, resp, err)
		}
		m.logger.Info("boot_device_set", "node_id", req.Msg.NodeID, "device", driver.BootPXE)
	}

	return fsm.NewResponse(resp), nil
}

// handleDeploy writes the image
func (m *Machine) handleDeploy(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	r, resp, err := m.begin(ctx, StateDeploy, req)
	if err != nil {
		return nil, err
	}

	task := r.task
	dep, _ := task.Driver.Deploy()
	state, err := dep.Deploy(ctx, task)
	if err != nil {
		return nil, m.fail(ctx, r, req, resp, err)
	}

	task.Node.ProvisionState = state
	resp.ProvisionState = string(state)
	resp.RootUUID = task.Node.RootUUID
	resp.RootMiB = task.Node.RootMiB

	m.logger.Info("deploy_written", "node_id", req.Msg.NodeID, "root_uuid", resp.RootUUID, "root_mb", resp.RootMiB)
	return fsm.NewResponse(resp), nil
}

// handleComplete records the successful attempt
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error) {
	r, resp, err := m.begin(ctx, StateComplete, req)
	if err != nil {
		return nil, err
	}

	n := r.task.Node
	if err := m.repo.FinishDeployment(ctx, req.Msg.DeploymentID, db.StatusSucceeded, n.RootUUID, ""); err != nil {
		return nil, m.fail(ctx, r, req, resp, err)
	}
	n.LastError = ""
	resp.RootUUID = n.RootUUID
	resp.Status = db.StatusSucceeded

	m.logger.Info("fsm_complete", "node_id", req.Msg.NodeID, "deployment_id", req.Msg.DeploymentID, "status", resp.Status)
	return fsm.NewResponse(resp), nil
}
