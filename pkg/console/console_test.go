package console

import (
	"context"
	stderrors "errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/process"
	"github.com/fly-io/metalprov/pkg/process/processtest"
)

func newManager(t *testing.T, runner process.Runner) *Manager {
	cfg := DefaultConfig()
	cfg.PIDDir = filepath.Join(t.TempDir(), "console")
	cfg.Host = "10.1.0.1"
	return New(cfg, runner, nil)
}

func backgroundPID(cmd process.Cmd) (string, bool) {
	for _, a := range cmd.Args {
		if strings.HasPrefix(a, "--background=") {
			return strings.TrimPrefix(a, "--background="), true
		}
	}
	return "", false
}

func TestStartWritesDaemonArgs(t *testing.T) {
	runner := processtest.New()
	runner.On("shellinaboxd").Do(func(cmd process.Cmd) (process.Result, int, error) {
		pidFile, _ := backgroundPID(cmd)
		return process.Result{}, 0, os.WriteFile(pidFile, []byte("999999\n"), 0o600)
	})
	m := newManager(t, runner)

	require.NoError(t, m.Start(context.Background(), "node-1", 8023, "ipmitool -H 10.0.0.1 sol activate"))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	args := calls[0].Args
	assert.Equal(t, "--background="+m.pidFile("node-1"), args[0])
	assert.Contains(t, args, "8023")
	assert.True(t, strings.HasSuffix(args[len(args)-1], ":HOME:ipmitool -H 10.0.0.1 sol activate"))
}

func TestStartFailure(t *testing.T) {
	runner := processtest.New()
	runner.On("shellinaboxd").Fail(1, "port in use")
	m := newManager(t, runner)

	err := m.Start(context.Background(), "node-1", 8023, "true")
	var failed *errors.ConsoleSubprocessFailed
	assert.True(t, stderrors.As(err, &failed))
}

func TestStartWithoutPIDFile(t *testing.T) {
	m := newManager(t, processtest.New())

	err := m.Start(context.Background(), "node-1", 8023, "true")
	var failed *errors.ConsoleSubprocessFailed
	assert.True(t, stderrors.As(err, &failed))
}

func TestFailedStartRemovesSecret(t *testing.T) {
	for name, setup := range map[string]func(*processtest.Runner){
		"daemon fails": func(r *processtest.Runner) { r.On("shellinaboxd").Fail(1, "port in use") },
		"no pid file":  func(*processtest.Runner) {},
	} {
		t.Run(name, func(t *testing.T) {
			runner := processtest.New()
			setup(runner)
			m := newManager(t, runner)

			secret, err := m.WriteSecret("node-1", "hunter2")
			require.NoError(t, err)

			require.Error(t, m.Start(context.Background(), "node-1", 8023, "true"))
			assert.NoFileExists(t, secret)
		})
	}
}

func TestStartKeepsSecretWhileRunning(t *testing.T) {
	runner := processtest.New()
	runner.On("shellinaboxd").Do(func(cmd process.Cmd) (process.Result, int, error) {
		pidFile, _ := backgroundPID(cmd)
		return process.Result{}, 0, os.WriteFile(pidFile, []byte("999999\n"), 0o600)
	})
	m := newManager(t, runner)

	secret, err := m.WriteSecret("node-1", "hunter2")
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background(), "node-1", 8023, "true"))
	assert.FileExists(t, secret)
}

func TestStopKillsDaemon(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}
	m := newManager(t, processtest.New())
	require.NoError(t, os.MkdirAll(m.cfg.PIDDir, 0o700))

	cmd := exec.Command(sleep, "30")
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	require.NoError(t, os.WriteFile(m.pidFile("node-1"), []byte(strconv.Itoa(cmd.Process.Pid)), 0o600))
	secret, err := m.WriteSecret("node-1", "hunter2")
	require.NoError(t, err)

	require.NoError(t, m.Stop("node-1"))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		t.Fatal("console process was not terminated")
	}
	assert.NoFileExists(t, m.pidFile("node-1"))
	assert.NoFileExists(t, secret)
}

func TestStopWithoutConsole(t *testing.T) {
	m := newManager(t, processtest.New())
	assert.NoError(t, m.Stop("node-1"))
}

func TestWriteSecretMode(t *testing.T) {
	m := newManager(t, processtest.New())
	path, err := m.WriteSecret("node-1", "pw")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestURL(t *testing.T) {
	m := newManager(t, processtest.New())
	assert.Equal(t, "http://10.1.0.1:8023", m.URL(8023))
}
