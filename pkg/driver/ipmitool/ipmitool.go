// Package ipmitool drives a node's management controller through the
// ipmitool command line client.
package ipmitool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/metrics"
	"github.com/fly-io/metalprov/pkg/node"
	"github.com/fly-io/metalprov/pkg/process"
)

// Driver info keys.
const (
	InfoAddress      = "ipmi_address"
	InfoUsername     = "ipmi_username"
	InfoPassword     = "ipmi_password"
	InfoPrivLevel    = "ipmi_priv_level"
	InfoTerminalPort = "ipmi_terminal_port"
)

const defaultPrivLevel = "ADMINISTRATOR"

var validPrivLevels = []string{"CALLBACK", "USER", "OPERATOR", "ADMINISTRATOR"}

// Config tunes ipmitool invocations.
type Config struct {
	// RetryAttempts bounds the status polls after a power command.
	RetryAttempts int
	// RetryInterval separates status polls.
	RetryInterval time.Duration
	// CommandAttempts is passed to every ipmitool invocation.
	CommandAttempts int
	// TempDir holds transient password files. Empty uses os.TempDir.
	TempDir string
}

func DefaultConfig() Config {
	return Config{
		RetryAttempts:   10,
		RetryInterval:   time.Second,
		CommandAttempts: 3,
	}
}

// info is the parsed connection settings of one node.
type info struct {
	nodeID       string
	address      string
	username     string
	password     string
	privLevel    string
	terminalPort int
}

func parseDriverInfo(n *node.Node) (*info, error) {
	in := &info{
		nodeID:    n.ID,
		address:   n.Info(InfoAddress),
		username:  n.Info(InfoUsername),
		password:  n.Info(InfoPassword),
		privLevel: n.Info(InfoPrivLevel),
	}
	if in.address == "" {
		return nil, errors.InvalidParameter("ipmitool requires %s to be set", InfoAddress)
	}
	if in.privLevel == "" {
		in.privLevel = defaultPrivLevel
	}
	if !slices.Contains(validPrivLevels, in.privLevel) {
		return nil, errors.InvalidParameter("invalid privilege level %q, valid levels are %s",
			in.privLevel, strings.Join(validPrivLevels, ", "))
	}
	port, err := n.IntInfo(InfoTerminalPort, 0)
	if err != nil {
		return nil, err
	}
	in.terminalPort = port
	return in, nil
}

// client runs ipmitool for one backend instance.
type client struct {
	cfg     Config
	runner  process.Runner
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func newClient(cfg Config, runner process.Runner, logger *slog.Logger, m *metrics.Metrics) *client {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{cfg: cfg, runner: runner, logger: logger.With("component", "ipmitool"), metrics: m}
}

// exec runs one ipmitool subcommand. The password travels through a 0600
// file that is removed before exec returns.
func (c *client) exec(ctx context.Context, in *info, command string) (string, error) {
	pwFile, cleanup, err := makePasswordFile(c.cfg.TempDir, in.password)
	if err != nil {
		return "", err
	}
	defer cleanup()

	args := []string{"-I", "lanplus", "-H", in.address, "-L", in.privLevel}
	if in.username != "" {
		args = append(args, "-U", in.username)
	}
	args = append(args, "-f", pwFile)
	args = append(args, strings.Fields(command)...)

	res, err := c.runner.Run(ctx, process.Cmd{
		Name:     "ipmitool",
		Args:     args,
		Attempts: max(c.cfg.CommandAttempts, 1),
	})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// makePasswordFile writes password to a file only the owner can read.
func makePasswordFile(dir, password string) (string, func(), error) {
	f, err := os.CreateTemp(dir, "metalprov-ipmi-*")
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to create ipmi password file")
	}
	cleanup := func() { os.Remove(f.Name()) }

	if err := f.Chmod(0o600); err != nil {
		f.Close()
		cleanup()
		return "", nil, errors.Wrap(err, "failed to restrict ipmi password file")
	}
	if _, err := f.WriteString(password); err != nil {
		f.Close()
		cleanup()
		return "", nil, errors.Wrap(err, "failed to write ipmi password file")
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close ipmi password file: %w", err)
	}
	return f.Name(), cleanup, nil
}
