package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corekit/coreflash/pkg/checksum"
	"github.com/corekit/coreflash/pkg/diskimage"
	"github.com/corekit/coreflash/pkg/errors"
)

var hashAlgo string

var hashCmd = &cobra.Command{
	Use:   "hash <image>",
	Short: "Compute the digest of an image (md5, sha256, sha512, blake2b, crc64)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHash,
}

func init() {
	rootCmd.AddCommand(hashCmd)
	hashCmd.Flags().StringVar(&hashAlgo, "algo", "", "Hash algorithm (default: hash-algorithm setting, else sha256)")
}

func runHash(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	name := hashAlgo
	if name == "" {
		name = cfg.HashAlgorithm
	}
	if name == "" {
		name = string(checksum.SHA256)
	}
	algo, err := checksum.ParseAlgorithm(name)
	if err != nil {
		return err
	}

	h, err := diskimage.Open(args[0], diskimage.Options{Validator: newValidator(cfg)})
	if err != nil {
		return errors.Wrap(err, "invalid image")
	}

	rc, err := h.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	digest, err := checksum.Digest(rc, algo, cfg.ChunkSize)
	if err != nil {
		return errors.Wrap(err, "hash failed")
	}

	fmt.Printf("%s  %s  (%s)\n", digest, h.Name, algo)
	return nil
}
