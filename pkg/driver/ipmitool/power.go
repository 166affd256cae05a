package ipmitool

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/fly-io/metalprov/pkg/driver"
	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/metrics"
	"github.com/fly-io/metalprov/pkg/node"
	"github.com/fly-io/metalprov/pkg/process"
)

// Power implements driver.PowerInterface.
type Power struct {
	c *client
}

var _ driver.PowerInterface = (*Power)(nil)

func NewPower(cfg Config, runner process.Runner, logger *slog.Logger, m *metrics.Metrics) *Power {
	return &Power{c: newClient(cfg, runner, logger, m)}
}

// Validate checks driver info and that the controller answers.
func (p *Power) Validate(ctx context.Context, task *driver.Task) error {
	in, err := parseDriverInfo(task.Node)
	if err != nil {
		return err
	}
	if _, err := p.c.exec(ctx, in, "mc guid"); err != nil {
		return errors.InvalidParameter("ipmi call to %s failed: %v", in.address, err)
	}
	return nil
}

func (p *Power) GetPowerState(ctx context.Context, task *driver.Task) (node.PowerState, error) {
	in, err := parseDriverInfo(task.Node)
	if err != nil {
		return "", err
	}
	return p.status(ctx, in)
}

func (p *Power) status(ctx context.Context, in *info) (node.PowerState, error) {
	out, err := p.c.exec(ctx, in, "power status")
	if err != nil {
		return "", err
	}
	return parsePowerStatus(out), nil
}

func parsePowerStatus(out string) node.PowerState {
	switch strings.TrimSpace(out) {
	case "Chassis Power is on":
		return node.PowerOn
	case "Chassis Power is off":
		return node.PowerOff
	default:
		return node.PowerError
	}
}

// SetPowerState issues the power command once, then polls the status until it
// reports target or the retry budget runs out.
func (p *Power) SetPowerState(ctx context.Context, task *driver.Task, target node.PowerState) (node.PowerState, error) {
	var command string
	switch target {
	case node.PowerOn:
		command = "power on"
	case node.PowerOff:
		command = "power off"
	default:
		return "", errors.InvalidParameter("set power state called with an invalid power state: %s", target)
	}

	in, err := parseDriverInfo(task.Node)
	if err != nil {
		return "", err
	}
	state, err := p.transition(ctx, in, command, target)
	if err != nil {
		return state, err
	}
	if state != target {
		return node.PowerError, &errors.PowerStateFailure{NodeID: in.nodeID, Target: string(target), Observed: string(state)}
	}
	return state, nil
}

// Reboot powers the node off, then on. Only the power on has to converge.
func (p *Power) Reboot(ctx context.Context, task *driver.Task) (node.PowerState, error) {
	in, err := parseDriverInfo(task.Node)
	if err != nil {
		return "", err
	}

	off, err := p.transition(ctx, in, "power off", node.PowerOff)
	if err != nil {
		return off, err
	}
	if off != node.PowerOff {
		p.c.logger.Warn("reboot_power_off_not_observed", "node_id", in.nodeID, "state", off)
	}

	on, err := p.transition(ctx, in, "power on", node.PowerOn)
	if err != nil {
		return on, err
	}
	if on != node.PowerOn {
		return node.PowerError, &errors.PowerStateFailure{NodeID: in.nodeID, Target: string(node.PowerOn), Observed: string(on)}
	}
	return on, nil
}

var errNotConverged = stderrors.New("power state not reached")

// transition returns the last observed state, which differs from target when
// the budget ran out. A failed status command ends the polling with its error.
func (p *Power) transition(ctx context.Context, in *info, command string, target node.PowerState) (node.PowerState, error) {
	log := p.c.logger.With("node_id", in.nodeID, "target", target)
	log.Info("power_command", "command", command)

	// A failed power command is only logged; the polls decide the outcome.
	if _, err := p.c.exec(ctx, in, command); err != nil {
		log.Warn("power_command_failed", "command", command, "error", err)
	}

	attempts := max(p.c.cfg.RetryAttempts, 1)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.c.cfg.RetryInterval), uint64(attempts-1)),
		ctx)

	state := node.PowerUnknown
	polls := 0
	err := backoff.Retry(func() error {
		polls++
		observed, err := p.status(ctx, in)
		if err != nil {
			return backoff.Permanent(err)
		}
		state = observed
		log.Debug("power_state_poll", "poll", polls, "state", state)
		if state != target {
			return errNotConverged
		}
		return nil
	}, b)

	converged := err == nil
	p.c.metrics.ObservePowerTransition(string(target), polls, converged)

	switch {
	case converged:
		log.Info("power_state_reached", "polls", polls)
		return state, nil
	case stderrors.Is(err, errNotConverged):
		log.Error("power_state_not_reached", "polls", polls, "state", state)
		return state, nil
	default:
		log.Error("power_state_poll_failed", "polls", polls, "error", err)
		return state, err
	}
}
