package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fly-io/metalprov/pkg/driver"
)

var (
	bootPersistent bool
	vendorParams   []string
)

var bootDeviceCmd = &cobra.Command{
	Use:   "boot-device <id> [<device>]",
	Short: "Show or set the device a node boots from",
	Long: `Without a device, prints the node's current boot device. With one of
pxe, disk, cdrom, bios or safe, sets it for the next boot, or for every boot
with --persistent.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runBootDevice,
}

var vendorCmd = &cobra.Command{
	Use:   "vendor <id> <method>",
	Short: "Call a driver specific method",
	Args:  cobra.ExactArgs(2),
	RunE:  runVendor,
}

func init() {
	bootDeviceCmd.Flags().BoolVar(&bootPersistent, "persistent", false, "Keep the boot device for every future boot")
	vendorCmd.Flags().StringArrayVar(&vendorParams, "param", nil, "Method parameter as key=value, repeatable")
	rootCmd.AddCommand(bootDeviceCmd, vendorCmd)
}

func runBootDevice(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 2 {
		device := driver.BootDevice(args[1])
		if err := a.conductor.SetBootDevice(ctx, args[0], device, bootPersistent); err != nil {
			return err
		}
		cmd.Println(color.HiGreenString("Node '%s' boots from %s", args[0], device))
		return nil
	}

	bd, err := a.conductor.GetBootDevice(ctx, args[0])
	if err != nil {
		return err
	}
	supported := make([]string, 0, len(bd.Supported))
	for _, d := range bd.Supported {
		supported = append(supported, string(d))
	}
	cmd.Printf("%-12s %s\n", "Device:", color.HiCyanString(string(bd.Device)))
	cmd.Printf("%-12s %t\n", "Persistent:", bd.Persistent)
	cmd.Printf("%-12s %s\n", "Supported:", strings.Join(supported, ", "))
	return nil
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, p := range raw {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("parameter %q is not key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

func runVendor(cmd *cobra.Command, args []string) error {
	params, err := parseParams(vendorParams)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.conductor.VendorPassthru(ctx, args[0], args[1], params)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
