package commands

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fly-io/metalprov/pkg/db"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <id>",
	Short: "Write the node's image onto its disk over iSCSI",
	Long: `Runs the deploy workflow for an available or failed node: checks the
node, sets it to network boot, partitions its disk and copies the image,
then signals the node's boot agent. Every attempt is recorded in the
node's deployment history.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var teardownCmd = &cobra.Command{
	Use:   "teardown <id>",
	Short: "Power a deployed node off and return it to the available pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runTeardown,
}

func init() {
	rootCmd.AddCommand(deployCmd, teardownCmd)
}

func statusColor(status string) string {
	switch status {
	case db.StatusSucceeded:
		return color.HiGreenString(status)
	case db.StatusFailed:
		return color.HiRedString(status)
	}
	return color.HiYellowString(status)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{workflow: true})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.conductor.Deploy(ctx, args[0])
	if err != nil {
		return err
	}

	a.logger.Info("deploy_completed", "node_id", n.ID, "provision_state", n.ProvisionState, "root_uuid", n.RootUUID)
	cmd.Println(color.HiGreenString("Deployed node '%s'", n.ID))
	cmd.Printf("%-12s %s\n", "Image:", n.ImageRef)
	cmd.Printf("%-12s %s\n", "Root UUID:", n.RootUUID)
	cmd.Printf("%-12s %d MiB\n", "Root size:", n.RootMiB)
	return nil
}

func runTeardown(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.conductor.TearDown(ctx, args[0]); err != nil {
		return err
	}
	cmd.Println(color.HiGreenString("Node '%s' is available", args[0]))
	return nil
}
