package commands

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fly-io/metalprov/pkg/errors"
	"github.com/fly-io/metalprov/pkg/node"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage the node inventory",
}

var nodeImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Add nodes described in a YAML file",
	Long: `Adds every node listed under "nodes:" in the file, for example:

  nodes:
    - id: rack1-u7
      driver: pxe_ipmitool
      driver_info:
        ipmi_address: 10.0.0.17
        ipmi_username: admin
        ipmi_password: secret
        iscsi_address: 10.0.1.17
        iscsi_iqn: iqn.2024-01.net.example:rack1-u7
      image: s3://images/ubuntu-24.04.raw.zst
      pxe_config: /tftpboot/rack1-u7/config
      root_mb: 20480
      swap_mb: 1024`,
	Args: cobra.ExactArgs(1),
	RunE: runNodeImport,
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all nodes and their state",
	RunE:  runNodeList,
}

var nodeShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a node and its deployment history",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeShow,
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a node from the inventory",
	Args:  cobra.ExactArgs(1),
	RunE:  runNodeDelete,
}

func init() {
	nodeCmd.AddCommand(nodeImportCmd, nodeListCmd, nodeShowCmd, nodeDeleteCmd)
	rootCmd.AddCommand(nodeCmd)
}

type inventoryFile struct {
	Nodes []*node.Node `yaml:"nodes"`
}

func runNodeImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return errors.Wrap(err, "failed to parse "+args[0])
	}
	if len(inv.Nodes) == 0 {
		return fmt.Errorf("%s lists no nodes", args[0])
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	for _, n := range inv.Nodes {
		if n.ID == "" || n.Driver == "" {
			return fmt.Errorf("every node needs an id and a driver")
		}
		if err := a.repo.CreateNode(ctx, n); err != nil {
			return errors.Wrap(err, "failed to import "+n.ID)
		}
		cmd.Println(color.HiGreenString("Imported node '%s'", n.ID))
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runNodeList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	nodes, err := a.repo.ListNodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(nodes) == 0 {
		cmd.Println("No nodes found")
		return nil
	}

	cmd.Printf("%-20s %-15s %-12s %-15s %s\n", "ID", "DRIVER", "POWER", "PROVISION", "IMAGE")
	cmd.Println(strings.Repeat("-", 96))
	for _, n := range nodes {
		cmd.Printf("%-20s %-15s %-12s %-15s %s\n", n.ID, n.Driver, n.PowerState, n.ProvisionState, dash(n.ImageRef))
	}
	return nil
}

func runNodeShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.repo.GetNode(ctx, args[0])
	if err != nil {
		return err
	}

	cmd.Printf("%-12s %s\n", "Node:", color.HiCyanString(n.ID))
	cmd.Printf("%-12s %s\n", "Driver:", n.Driver)
	cmd.Printf("%-12s %s\n", "Power:", n.PowerState)
	cmd.Printf("%-12s %s\n", "Provision:", n.ProvisionState)
	cmd.Printf("%-12s %s\n", "Image:", dash(n.ImageRef))
	cmd.Printf("%-12s %s\n", "Root UUID:", dash(n.RootUUID))
	cmd.Printf("%-12s %d/%d/%d MiB\n", "Root/swap/eph:", n.RootMiB, n.SwapMiB, n.EphemeralMiB)
	if n.LastError != "" {
		cmd.Printf("%-12s %s\n", "Last error:", color.HiRedString(n.LastError))
	}

	// Secrets stay out of the terminal.
	keys := lo.Keys(n.DriverInfo)
	slices.Sort(keys)
	if len(keys) > 0 {
		cmd.Println("Driver info:")
		for _, k := range keys {
			v := n.DriverInfo[k]
			if strings.Contains(k, "password") {
				v = "******"
			}
			cmd.Printf("  %-20s %s\n", k, v)
		}
	}

	history, err := a.repo.ListDeployments(ctx, n.ID)
	if err != nil {
		return err
	}
	if len(history) > 0 {
		cmd.Println(fmt.Sprintf("--- %s ---", color.HiWhiteString("Deployments")))
		for _, d := range history {
			cmd.Printf("%-32s %-10s %s %s\n", d.StartedAt, statusColor(d.Status), d.ImageRef, d.ErrorMessage)
		}
	}
	return nil
}

func runNodeDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.repo.GetNode(ctx, args[0])
	if err != nil {
		return err
	}
	if n.ProvisionState == node.Deploying {
		return fmt.Errorf("node %s is deploying", n.ID)
	}
	if err := a.repo.DeleteNode(ctx, n.ID); err != nil {
		return err
	}
	cmd.Println(color.HiGreenString("Deleted node '%s'", n.ID))
	return nil
}
