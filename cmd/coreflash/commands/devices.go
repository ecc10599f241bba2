package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/corekit/coreflash/pkg/devices"
	"github.com/corekit/coreflash/pkg/errors"
)

var (
	devicesWatch bool
	devicesJSON  bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List removable drives that can be flashed",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVar(&devicesWatch, "watch", false, "Keep running and print the list whenever drives change")
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Print JSON")
}

func runDevices(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}
	catalog := newCatalog()

	if !devicesWatch {
		list, err := catalog.List(cmd.Context())
		if err != nil {
			return errors.Wrap(err, "list devices failed")
		}
		return printDevices(list)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for snap := range catalog.Watch(ctx, devices.WatchOptions{Dirs: devices.DefaultWatchDirs}) {
		if snap.Err != nil {
			fmt.Fprintf(os.Stderr, "%s  enumeration failed: %v\n", snap.At.Format("15:04:05"), snap.Err)
			continue
		}
		if !devicesJSON {
			fmt.Printf("\n%s\n", snap.At.Format("15:04:05"))
		}
		if err := printDevices(snap.Devices); err != nil {
			return err
		}
	}
	return nil
}

func printDevices(list []devices.Device) error {
	if devicesJSON {
		if list == nil {
			list = []devices.Device{}
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	if len(list) == 0 {
		fmt.Println("No removable drives found")
		return nil
	}

	fmt.Printf("%-24s %-32s %-10s %-6s %s\n", "DEVICE", "NAME", "SIZE", "BUS", "MOUNTED AT")
	fmt.Println(strings.Repeat("-", 90))
	for _, d := range list {
		fmt.Printf("%-24s %-32s %-10s %-6s %s\n",
			d.ID, orDash(d.Name), d.SizeHuman(), orDash(d.Bus), orDash(strings.Join(d.MountPoints, ",")))
	}
	return nil
}
