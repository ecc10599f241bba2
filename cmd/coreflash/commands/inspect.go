package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corekit/coreflash/pkg/diskimage"
	"github.com/corekit/coreflash/pkg/errors"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <image>",
	Short: "Validate an image and show its size, format and label",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Print JSON")
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	h, err := diskimage.Open(args[0], diskimage.Options{Validator: newValidator(cfg)})
	if err != nil {
		return errors.Wrap(err, "invalid image")
	}

	if inspectJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(h)
	}

	fmt.Printf("Name:    %s\n", h.Name)
	fmt.Printf("Path:    %s\n", h.Path)
	fmt.Printf("Format:  %s\n", h.Format)
	if h.Member != "" {
		fmt.Printf("Member:  %s (%s)\n", h.Member, h.Inner)
	}
	fmt.Printf("Size:    %s (%d bytes)\n", h.SizeHuman(), h.Size)
	if h.Label != "" {
		fmt.Printf("Label:   %s\n", h.Label)
	}
	return nil
}
