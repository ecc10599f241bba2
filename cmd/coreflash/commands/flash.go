package commands

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/corekit/coreflash/pkg/blockdev"
	"github.com/corekit/coreflash/pkg/db"
	"github.com/corekit/coreflash/pkg/errors"
	"github.com/corekit/coreflash/pkg/flash"
	appfsm "github.com/corekit/coreflash/pkg/fsm"
)

var (
	flashVerify   bool
	flashNoVerify bool
	flashHash     string
	flashYes      bool
)

var flashCmd = &cobra.Command{
	Use:   "flash <image> <device-id>",
	Short: "Write an image to a removable drive",
	Long: `Write an image to a removable drive and, unless disabled, verify it.

The drive is looked up again right before writing; system and fixed disks are
always refused. Press Ctrl-C to cancel at the next chunk boundary.`,
	Args: cobra.ExactArgs(2),
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().BoolVar(&flashVerify, "verify", true, "Verify the drive after writing")
	flashCmd.Flags().BoolVar(&flashNoVerify, "no-verify", false, "Skip verification")
	flashCmd.Flags().StringVar(&flashHash, "hash", "", "Also compute the image digest (md5, sha256, ...)")
	flashCmd.Flags().BoolVarP(&flashYes, "yes", "y", false, "Do not ask for confirmation")
}

func runFlash(cmd *cobra.Command, args []string) error {
	imagePath, deviceID := args[0], args[1]
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	verify := cfg.Verify
	if cmd.Flags().Changed("verify") {
		verify = flashVerify
	}
	if flashNoVerify {
		verify = false
	}
	hashName := flashHash
	if hashName == "" {
		hashName = cfg.HashAlgorithm
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if _, err := repo.MarkInterrupted(ctx); err != nil {
		return err
	}

	catalog := newCatalog()
	dev, err := catalog.Lookup(ctx, deviceID)
	if err != nil {
		return err
	}

	if !flashYes && !confirm(fmt.Sprintf("All data on %s (%s, %s) will be destroyed. Continue?", dev.ID, orDash(dev.Name), dev.SizeHuman())) {
		fmt.Println("Aborted")
		return nil
	}

	engine := flash.New(catalog, blockdev.NewOpener(), engineOptions(cfg))
	machine := appfsm.NewMachine(catalog, engine, repo, newValidator(cfg), printProgress)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	jobID := uuid.NewString()
	req := &appfsm.FlashRequest{
		JobID:         jobID,
		ImagePath:     imagePath,
		DeviceID:      dev.ID,
		Verify:        verify,
		HashAlgorithm: hashName,
	}
	resp := &appfsm.FlashResponse{}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-sigs:
			fmt.Println("\nCancelling after the current chunk...")
			machine.Cancel(jobID)
		case <-finished:
		}
	}()

	version, err := start(ctx, jobID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm_started", "job_id", jobID, "version", version)

	// the ledger holds the outcome whether the FSM completed or aborted
	waitErr := manager.Wait(ctx, version)

	job, err := repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		if waitErr == nil {
			waitErr = errors.ErrJobNotFound
		}
		return errors.Wrap(waitErr, "flash session failed before it was recorded")
	}
	return reportJob(job)
}

// reportJob prints the outcome of a session and turns failures into an error.
func reportJob(job *db.Job) error {
	switch job.State {
	case db.StateDone:
		fmt.Printf("Wrote %s to %s", humanize.Bytes(uint64(job.BytesWritten)), job.DeviceID)
		if job.Verify {
			fmt.Printf(", verified %s", humanize.Bytes(uint64(job.BytesVerified)))
		}
		fmt.Println()
		if job.ImageDigest != "" {
			fmt.Printf("%s: %s\n", job.HashAlgorithm, job.ImageDigest)
		}
		return nil
	case db.StateCancelled:
		fmt.Printf("Cancelled after writing %s; the drive is incomplete\n", humanize.Bytes(uint64(job.BytesWritten)))
		return nil
	default:
		if job.MismatchOffset >= 0 {
			return fmt.Errorf("verification failed at byte %d: %s", job.MismatchOffset, job.ErrorMessage)
		}
		return fmt.Errorf("flash failed after %s: %s", humanize.Bytes(uint64(job.BytesWritten)), job.ErrorMessage)
	}
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
