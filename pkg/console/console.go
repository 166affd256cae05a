// Package console runs shellinabox web consoles attached to node serial
// consoles.
package console

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/process"
)

// Type is reported to users alongside the console URL.
const Type = "shellinabox"

type Config struct {
	Binary string
	PIDDir string
	// Host is the address users reach consoles on.
	Host string
}

func DefaultConfig() Config {
	return Config{
		Binary: "shellinaboxd",
		PIDDir: filepath.Join(os.TempDir(), "metalprov-console"),
		Host:   "localhost",
	}
}

// Manager starts and stops one console daemon per node.
type Manager struct {
	cfg    Config
	runner process.Runner
	logger *slog.Logger
}

func New(cfg Config, runner process.Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, runner: runner, logger: logger.With("component", "console")}
}

func (m *Manager) pidFile(nodeID string) string {
	return filepath.Join(m.cfg.PIDDir, nodeID+".pid")
}

func (m *Manager) secretFile(nodeID string) string {
	return filepath.Join(m.cfg.PIDDir, nodeID+".pw")
}

// WriteSecret stores a credential the console command reads for as long as
// the console runs. Stop removes it.
func (m *Manager) WriteSecret(nodeID, secret string) (string, error) {
	if err := os.MkdirAll(m.cfg.PIDDir, 0o700); err != nil {
		return "", &errors.ConsoleSubprocessFailed{Err: err}
	}
	path := m.secretFile(nodeID)
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", &errors.ConsoleSubprocessFailed{Err: err}
	}
	return path, nil
}

// Start launches a daemonized shellinaboxd on port serving command. A console
// already running for the node is stopped first. The node's secret file is
// removed when the console does not come up.
func (m *Manager) Start(ctx context.Context, nodeID string, port int, command string) (err error) {
	defer func() {
		if err != nil {
			m.removeSecret(nodeID)
		}
	}()

	if err := os.MkdirAll(m.cfg.PIDDir, 0o700); err != nil {
		return &errors.ConsoleSubprocessFailed{Err: err}
	}
	if err := m.kill(nodeID); err != nil {
		return err
	}

	pidFile := m.pidFile(nodeID)
	m.logger.Info("console_start", "node_id", nodeID, "port", port)
	_, err = m.runner.Run(ctx, process.Cmd{
		Name: m.cfg.Binary,
		Args: []string{
			"--background=" + pidFile,
			"--no-beep",
			"-t",
			"-p", strconv.Itoa(port),
			"-s", fmt.Sprintf("/:%d:%d:HOME:%s", os.Getuid(), os.Getgid(), command),
		},
	})
	if err != nil {
		m.logger.Error("console_start_failed", "node_id", nodeID, "error", err)
		return &errors.ConsoleSubprocessFailed{Err: err}
	}
	if _, err := readPID(pidFile); err != nil {
		m.logger.Error("console_pid_missing", "node_id", nodeID, "error", err)
		return &errors.ConsoleSubprocessFailed{Err: err}
	}
	return nil
}

// Stop terminates the node's console daemon, if any, and removes its files.
func (m *Manager) Stop(nodeID string) error {
	m.logger.Info("console_stop", "node_id", nodeID)
	if err := m.kill(nodeID); err != nil {
		return err
	}
	m.removeSecret(nodeID)
	return nil
}

func (m *Manager) removeSecret(nodeID string) {
	if err := os.Remove(m.secretFile(nodeID)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("console_secret_remove_failed", "node_id", nodeID, "error", err)
	}
}

func (m *Manager) kill(nodeID string) error {
	pidFile := m.pidFile(nodeID)
	pid, err := readPID(pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		m.logger.Warn("console_pid_unreadable", "node_id", nodeID, "error", err)
		os.Remove(pidFile)
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil && !stderrors.Is(err, os.ErrProcessDone) && !stderrors.Is(err, syscall.ESRCH) {
		m.logger.Error("console_kill_failed", "node_id", nodeID, "pid", pid, "error", err)
		return &errors.ConsoleSubprocessFailed{Err: err}
	}
	os.Remove(pidFile)
	return nil
}

// URL returns where the console for port is served.
func (m *Manager) URL(port int) string {
	return "http://" + net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}
