package fsm

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/superfly/fsm"

	"github.com/fly-io/metalprov/pkg/db"
	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/driver/fake"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/lock"
	"github.com/fly-io/metalprov/pkg/node"
)

type fakeDeploy = fake.Deploy

type brokenDeploy struct {
	fakeDeploy
	err error
}

func (b *brokenDeploy) Deploy(context.Context, *driver.Task) (node.ProvisionState, error) {
	return node.DeployFailed, b.err
}

type harness struct {
	machine    *Machine
	repo       *db.Repository
	task       *driver.Task
	deployment *db.Deployment
}

func newHarness(t *testing.T, d *driver.Driver, mode lock.Mode) *harness {
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "inventory.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	ctx := context.Background()
	n := &node.Node{ID: "node-1", Driver: d.Name(), ImageRef: "s3://images/base.raw", RootMiB: 1024}
	require.NoError(t, repo.CreateNode(ctx, n))
	dep, err := repo.StartDeployment(ctx, n.ID, n.ImageRef)
	require.NoError(t, err)

	g, err := lock.New(nil, nil).TryAcquire(ctx, n.ID, mode)
	require.NoError(t, err)
	t.Cleanup(g.Release)

	h := &harness{
		machine:    NewMachine(repo, nil, 3),
		repo:       repo,
		task:       &driver.Task{Node: n, Guard: g, Driver: d},
		deployment: dep,
	}
	h.machine.attach(dep.ID, h.task)
	return h
}

func (h *harness) request() *fsm.Request[DeployRequest, DeployResponse] {
	return fsm.NewRequest(&DeployRequest{
		NodeID:       h.task.Node.ID,
		DeploymentID: h.deployment.ID,
		ImageRef:     h.task.Node.ImageRef,
	}, &DeployResponse{})
}

func (h *harness) history(t *testing.T) *db.Deployment {
	history, err := h.repo.ListDeployments(context.Background(), h.task.Node.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	return history[0]
}

func TestWorkflowStepsSucceed(t *testing.T) {
	h := newHarness(t, fake.New(), lock.Exclusive)
	ctx := context.Background()
	req := h.request()

	steps := []func(context.Context, *fsm.Request[DeployRequest, DeployResponse]) (*fsm.Response[DeployResponse], error){
		h.machine.handleCheckNode,
		h.machine.handlePrepare,
		h.machine.handleDeploy,
		h.machine.handleComplete,
	}
	for _, step := range steps {
		_, err := step(ctx, req)
		require.NoError(t, err)
	}

	assert.Equal(t, node.Active, h.task.Node.ProvisionState)
	assert.Equal(t, db.StatusSucceeded, h.history(t).Status)
}

func TestWorkflowDeployFailureAborts(t *testing.T) {
	cause := &errors.DeviceNotFound{Role: "root", Path: "/dev/disk/by-path/x-part2"}
	d := driver.New("broken", driver.Interfaces{Deploy: &brokenDeploy{err: cause}})
	h := newHarness(t, d, lock.Exclusive)
	ctx := context.Background()
	req := h.request()

	_, err := h.machine.handleCheckNode(ctx, req)
	require.NoError(t, err)
	_, err = h.machine.handleDeploy(ctx, req)
	require.Error(t, err)

	r, ok := h.machine.lookup(h.deployment.ID)
	require.True(t, ok)
	var notFound *errors.DeviceNotFound
	assert.True(t, stderrors.As(r.failure(), &notFound))

	assert.Equal(t, node.DeployFailed, h.task.Node.ProvisionState)
	assert.Equal(t, cause.Error(), h.task.Node.LastError)
	rec := h.history(t)
	assert.Equal(t, db.StatusFailed, rec.Status)
	assert.Equal(t, cause.Error(), rec.ErrorMessage)
}

func TestWorkflowCheckNodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		driver *driver.Driver
		mode   lock.Mode
	}{
		{"shared lock", fake.New(), lock.Shared},
		{"no deploy capability", driver.New("power_only", driver.Interfaces{Power: &fake.Power{}}), lock.Exclusive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.driver, tt.mode)
			_, err := h.machine.handleCheckNode(context.Background(), h.request())
			assert.Error(t, err)
			assert.Equal(t, db.StatusFailed, h.history(t).Status)
		})
	}
}

func TestWorkflowUnattachedRunAborts(t *testing.T) {
	h := newHarness(t, fake.New(), lock.Exclusive)
	h.machine.detach(h.deployment.ID)

	_, err := h.machine.handleCheckNode(context.Background(), h.request())
	assert.Error(t, err)
	assert.Equal(t, db.StatusRunning, h.history(t).Status)
}
