package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/corekit/coreflash/pkg/blockdev"
	"github.com/corekit/coreflash/pkg/db"
	"github.com/corekit/coreflash/pkg/diskimage"
	"github.com/corekit/coreflash/pkg/errors"
	"github.com/corekit/coreflash/pkg/flash"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <image> <device-id>",
	Short: "Compare a drive against an image without writing",
	Args:  cobra.ExactArgs(2),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := diskimage.Open(args[0], diskimage.Options{Validator: newValidator(cfg)})
	if err != nil {
		return errors.Wrap(err, "invalid image")
	}

	catalog := newCatalog()
	dev, err := catalog.Lookup(ctx, args[1])
	if err != nil {
		return err
	}

	record := &db.Job{
		ID:             uuid.NewString(),
		Kind:           db.KindVerify,
		ImagePath:      h.Path,
		ImageFormat:    string(h.Format),
		ImageMember:    h.Member,
		ImageSize:      h.Size,
		DeviceID:       dev.ID,
		DeviceName:     dev.Name,
		DeviceCapacity: int64(dev.CapacityBytes),
		Verify:         true,
		MismatchOffset: -1,
	}
	if err := repo.Create(ctx, record); err != nil {
		return err
	}

	engine := flash.New(catalog, blockdev.NewOpener(), engineOptions(cfg))
	img := flash.Image{Name: h.Name, Size: h.Size, Open: h.Open}
	job, err := engine.StartVerify(ctx, img, dev, flash.StartOptions{ID: record.ID})
	if err != nil {
		record.State = db.StateError
		record.ErrorMessage = err.Error()
		_ = repo.Finish(context.Background(), record)
		return err
	}

	for ev := range job.Events() {
		printProgress(ev)
	}
	res := job.Result()

	record.State = string(res.State)
	record.BytesVerified = res.BytesVerified
	record.MismatchOffset = res.MismatchOffset
	if res.Err != nil {
		record.ErrorMessage = res.Err.Error()
	}
	if err := repo.Finish(context.Background(), record); err != nil {
		return err
	}

	switch res.State {
	case flash.PhaseDone:
		fmt.Printf("%s matches %s (%d bytes)\n", dev.ID, h.Name, res.BytesVerified)
		return nil
	case flash.PhaseCancelled:
		fmt.Println("Verification cancelled")
		return nil
	default:
		return res.Err
	}
}
