// Package fsm implements the node deploy workflow on the superfly/fsm library.
// It walks a locked node through check, boot preparation, imaging and
// completion, recording each attempt in the deployment history.
package fsm

import (
	"context"
	"sync"

	"github.com/superfly/fsm"

	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/errors"
)

// Register registers the deploy FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[DeployRequest, DeployResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[DeployRequest, DeployResponse](manager, "node-deploy").
		Start(StateCheckNode, m.handleCheckNode).
		To(StatePrepare, m.handlePrepare).
		To(StateDeploy, m.handleDeploy).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Workflow runs deploys through an fsm manager and waits for them.
type Workflow struct {
	manager *fsm.Manager
	machine *Machine
	start   fsm.Start[DeployRequest, DeployResponse]
}

// NewWorkflow registers machine with manager.
func NewWorkflow(ctx context.Context, manager *fsm.Manager, machine *Machine) (*Workflow, error) {
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	return &Workflow{manager: manager, machine: machine, start: start}, nil
}

// Deploy runs one deploy attempt for the node held by task. The task must stay
// locked until Deploy returns. The error of the failing step is returned as
// is.
func (w *Workflow) Deploy(ctx context.Context, task *driver.Task, deploymentID string) error {
	run := w.machine.attach(deploymentID, task)
	defer w.machine.detach(deploymentID)

	req := &DeployRequest{
		NodeID:       task.Node.ID,
		DeploymentID: deploymentID,
		ImageRef:     task.Node.ImageRef,
	}
	version, err := w.start(ctx, deploymentID, fsm.NewRequest(req, &DeployResponse{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	w.machine.logger.Info("fsm_started", "node_id", req.NodeID, "deployment_id", deploymentID, "version", version)

	waitErr := w.manager.Wait(ctx, version)
	if err := run.failure(); err != nil {
		return err
	}
	return errors.Wrap(waitErr, "FSM execution failed")
}

// run is the in-memory side of one workflow execution.
type run struct {
	task *driver.Task

	mu  sync.Mutex
	err error
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *run) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
