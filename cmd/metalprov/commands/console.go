package commands

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Manage a node's web serial console",
}

var consoleStartCmd = &cobra.Command{
	Use:   "start <id>",
	Short: "Start serving the node's serial console",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.conductor.StartConsole(ctx, args[0]); err != nil {
			return err
		}
		info, err := a.conductor.GetConsole(ctx, args[0])
		if err != nil {
			return err
		}
		cmd.Println(color.HiGreenString("Console for '%s' at %s", args[0], info.URL))
		return nil
	},
}

var consoleStopCmd = &cobra.Command{
	Use:   "stop <id>",
	Short: "Stop the node's serial console",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.conductor.StopConsole(ctx, args[0]); err != nil {
			return err
		}
		cmd.Println(color.HiGreenString("Console for '%s' stopped", args[0]))
		return nil
	},
}

var consoleShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print how to reach the node's serial console",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.conductor.GetConsole(ctx, args[0])
		if err != nil {
			return err
		}
		cmd.Printf("%-6s %s\n", "Type:", info.Type)
		cmd.Printf("%-6s %s\n", "URL:", info.URL)
		return nil
	},
}

func init() {
	consoleCmd.AddCommand(consoleStartCmd, consoleStopCmd, consoleShowCmd)
	rootCmd.AddCommand(consoleCmd)
}
