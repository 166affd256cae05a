package commands

import (
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fly-io/metalprov/pkg/node"
	"github.com/fly-io/metalprov/pkg/remote"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Talk to a remote provisioning service",
	Long: `Calls a provisioning service that speaks the bare metal API at
--remote-endpoint. Calls are retried while the service is unavailable.`,
}

var remoteNodeCmd = &cobra.Command{
	Use:   "node <uuid>",
	Short: "Show a node as the service sees it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote.New(loaded.Remote(), slog.Default(), nil)
		if err != nil {
			return err
		}
		n, err := c.GetNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		cmd.Printf("%-12s %s\n", "UUID:", color.HiCyanString(n.UUID))
		cmd.Printf("%-12s %s\n", "Name:", dash(n.Name))
		cmd.Printf("%-12s %s\n", "Driver:", n.Driver)
		cmd.Printf("%-12s %s\n", "Power:", n.PowerState)
		cmd.Printf("%-12s %s\n", "Provision:", n.ProvisionState)
		if n.LastError != "" {
			cmd.Printf("%-12s %s\n", "Last error:", color.HiRedString(n.LastError))
		}
		return nil
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the service's nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := remote.New(loaded.Remote(), slog.Default(), nil)
		if err != nil {
			return err
		}
		nodes, err := c.ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("%-38s %-20s %-12s %s\n", "UUID", "NAME", "POWER", "PROVISION")
		for _, n := range nodes {
			cmd.Printf("%-38s %-20s %-12s %s\n", n.UUID, dash(n.Name), n.PowerState, n.ProvisionState)
		}
		return nil
	},
}

var remotePowerCmd = &cobra.Command{
	Use:   "power <uuid> <on|off|reboot>",
	Short: "Ask the service to change a node's power state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := node.ParsePowerTarget(args[1])
		if err != nil {
			return err
		}
		c, err := remote.New(loaded.Remote(), slog.Default(), nil)
		if err != nil {
			return err
		}
		if err := c.SetPowerState(cmd.Context(), args[0], target); err != nil {
			return err
		}
		cmd.Println(color.HiGreenString("Requested %s for '%s'", target, args[0]))
		return nil
	},
}

func init() {
	remoteCmd.AddCommand(remoteNodeCmd, remoteListCmd, remotePowerCmd)
	rootCmd.AddCommand(remoteCmd)
}
