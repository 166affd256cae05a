package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fly-io/metalprov/pkg/node"
)

var powerAll bool

var powerCmd = &cobra.Command{
	Use:   "power",
	Short: "Query and change node power state",
}

var powerStatusCmd = &cobra.Command{
	Use:   "status [<id>]",
	Short: "Show the power state of one node, or of every node with --all",
	Args: func(cmd *cobra.Command, args []string) error {
		if powerAll {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: runPowerStatus,
}

func init() {
	powerStatusCmd.Flags().BoolVar(&powerAll, "all", false, "Query every node in the inventory")
	powerCmd.AddCommand(powerStatusCmd)

	for _, target := range []node.PowerState{node.PowerOn, node.PowerOff, node.Reboot} {
		powerCmd.AddCommand(powerChangeCmd(target))
	}
	rootCmd.AddCommand(powerCmd)
}

var powerVerbs = map[node.PowerState]string{
	node.PowerOn:  "on",
	node.PowerOff: "off",
	node.Reboot:   "reboot",
}

func powerChangeCmd(target node.PowerState) *cobra.Command {
	verb := powerVerbs[target]
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: fmt.Sprintf("Power %s a node and wait for it to get there", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			state, err := a.conductor.SetPowerState(ctx, args[0], target)
			if err != nil {
				return err
			}
			cmd.Printf("%s %s\n", args[0], powerColor(state))
			return nil
		},
	}
}

func powerColor(state node.PowerState) string {
	switch state {
	case node.PowerOn:
		return color.HiGreenString(string(state))
	case node.PowerOff:
		return color.HiYellowString(string(state))
	case node.PowerError:
		return color.HiRedString(string(state))
	}
	return string(state)
}

func runPowerStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if !powerAll {
		state, err := a.conductor.GetPowerState(ctx, args[0])
		if err != nil {
			return err
		}
		cmd.Printf("%s %s\n", args[0], powerColor(state))
		return nil
	}

	statuses, err := a.conductor.PowerStatusAll(ctx)
	if err != nil {
		return err
	}
	failed := 0
	for _, s := range statuses {
		if s.Err != nil {
			failed++
			cmd.Printf("%-20s %s\n", s.NodeID, color.HiRedString(s.Err.Error()))
			continue
		}
		cmd.Printf("%-20s %s\n", s.NodeID, powerColor(s.State))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d nodes could not be queried", failed, len(statuses))
	}
	return nil
}
