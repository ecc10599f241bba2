package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/corekit/coreflash/pkg/diskimage"
	"github.com/corekit/coreflash/pkg/errors"
	"github.com/corekit/coreflash/pkg/storage"
)

var fetchList bool

var fetchCmd = &cobra.Command{
	Use:   "fetch <s3-key>",
	Short: "Download an image from S3 into the work directory",
	Long: `Download an image from the configured S3 bucket into <work-dir>/images.

With --list the argument is treated as a key prefix and matching keys are
printed instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().BoolVar(&fetchList, "list", false, "List keys under the given prefix")
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	key := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.S3Bucket == "" {
		return errors.New("s3-bucket is not configured")
	}

	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	if fetchList {
		keys, err := client.ListObjects(ctx, key)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	}

	imagesDir := filepath.Join(cfg.WorkDir, "images")
	if err := ensureDirectories("", "", imagesDir); err != nil {
		return err
	}

	exists, err := client.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrap(errors.ErrNotFound, fmt.Sprintf("s3://%s/%s", cfg.S3Bucket, key))
	}

	localPath := filepath.Join(imagesDir, path.Base(key))
	res, err := client.Download(ctx, key, localPath)
	if err != nil {
		return err
	}
	slog.Info("image_fetched", "key", key, "path", res.LocalPath, "size", res.Size)

	h, err := diskimage.Open(res.LocalPath, diskimage.Options{Validator: newValidator(cfg)})
	if err != nil {
		_ = os.Remove(res.LocalPath)
		return errors.Wrap(err, "downloaded object is not a usable image")
	}

	fmt.Printf("%s  %s  %s\n", res.LocalPath, humanize.Bytes(uint64(res.Size)), h.Format)
	fmt.Printf("sha256: %s\n", res.SHA256)
	return nil
}
