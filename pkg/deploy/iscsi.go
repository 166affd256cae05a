package deploy

import (
	"context"

	"github.com/fly-io/metalprov/pkg/process"
)

func (p *Pipeline) iscsiadm(ctx context.Context, args ...string) error {
	_, err := p.runner.Run(ctx, process.Cmd{
		Name:       "iscsiadm",
		Args:       args,
		Privileged: true,
		ExitCodes:  []int{0},
	})
	return err
}

func (p *Pipeline) discover(ctx context.Context, t Target) error {
	p.logger.Info("iscsi_discovery", "portal", t.Portal())
	return p.iscsiadm(ctx, "-m", "discovery", "-t", "st", "-p", t.Portal())
}

func (p *Pipeline) login(ctx context.Context, t Target) error {
	p.logger.Info("iscsi_login", "portal", t.Portal(), "iqn", t.IQN)
	return p.iscsiadm(ctx, "-m", "node", "-p", t.Portal(), "-T", t.IQN, "--login")
}

func (p *Pipeline) logout(ctx context.Context, t Target) error {
	p.logger.Info("iscsi_logout", "portal", t.Portal(), "iqn", t.IQN)
	return p.iscsiadm(ctx, "-m", "node", "-p", t.Portal(), "-T", t.IQN, "--logout")
}

func (p *Pipeline) deleteTarget(ctx context.Context, t Target) error {
	p.logger.Info("iscsi_delete", "portal", t.Portal(), "iqn", t.IQN)
	return p.iscsiadm(ctx, "-m", "node", "-p", t.Portal(), "-T", t.IQN, "-o", "delete")
}
