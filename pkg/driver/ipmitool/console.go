package ipmitool

import (
	"context"
	"log/slog"

	"github.com/alessio/shellescape"

	"github.com/fly-io/metalprov/pkg/console"
	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/metrics"
	"github.com/fly-io/metalprov/pkg/process"
)

// Console serves the node's serial-over-LAN console through shellinabox.
type Console struct {
	c       *client
	manager *console.Manager
}

var _ driver.ConsoleInterface = (*Console)(nil)

func NewConsole(cfg Config, runner process.Runner, manager *console.Manager, logger *slog.Logger, m *metrics.Metrics) *Console {
	return &Console{c: newClient(cfg, runner, logger, m), manager: manager}
}

func (c *Console) info(task *driver.Task) (*info, error) {
	in, err := parseDriverInfo(task.Node)
	if err != nil {
		return nil, err
	}
	if in.terminalPort <= 0 {
		return nil, errors.InvalidParameter("console requires %s to be set", InfoTerminalPort)
	}
	return in, nil
}

func (c *Console) Validate(_ context.Context, task *driver.Task) error {
	_, err := c.info(task)
	return err
}

// StartConsole launches the console daemon. Its password file lives as long as
// the console does.
func (c *Console) StartConsole(ctx context.Context, task *driver.Task) error {
	in, err := c.info(task)
	if err != nil {
		return err
	}
	pwFile, err := c.manager.WriteSecret(in.nodeID, in.password)
	if err != nil {
		return err
	}
	return c.manager.Start(ctx, in.nodeID, in.terminalPort, solCommand(in, pwFile))
}

func (c *Console) StopConsole(_ context.Context, task *driver.Task) error {
	return c.manager.Stop(task.Node.ID)
}

func (c *Console) GetConsole(_ context.Context, task *driver.Task) (driver.ConsoleInfo, error) {
	in, err := c.info(task)
	if err != nil {
		return driver.ConsoleInfo{}, err
	}
	return driver.ConsoleInfo{Type: console.Type, URL: c.manager.URL(in.terminalPort)}, nil
}

func solCommand(in *info, pwFile string) string {
	args := []string{"ipmitool", "-I", "lanplus", "-H", in.address, "-L", in.privLevel}
	if in.username != "" {
		args = append(args, "-U", in.username)
	}
	args = append(args, "-f", pwFile, "sol", "activate")
	return shellescape.QuoteCommand(args)
}
