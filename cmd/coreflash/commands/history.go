package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/corekit/coreflash/pkg/db"
	"github.com/corekit/coreflash/pkg/errors"
)

var (
	historyLimit     int
	historyJSON      bool
	historyOlderThan time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past flash and verify jobs",
	RunE:  runHistory,
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished jobs older than a duration",
	RunE:  runHistoryPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyPruneCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of jobs to show (0 for all)")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print jobs as JSON")
	historyPruneCmd.Flags().DurationVar(&historyOlderThan, "older-than", 30*24*time.Hour, "Age of the jobs to delete")
}

func openRepository() (*db.Repository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return nil, err
	}
	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	jobs, err := repo.List(ctx, historyLimit)
	if err != nil {
		return err
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tSTATE\tIMAGE\tDEVICE\tWRITTEN\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.Time(j.StartedAt),
			j.Kind,
			j.State,
			j.ImagePath,
			j.DeviceID,
			humanize.Bytes(uint64(j.BytesWritten)),
			orDash(j.ErrorMessage),
		)
	}
	return w.Flush()
}

func runHistoryPrune(cmd *cobra.Command, args []string) error {
	if historyOlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}

	repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := repo.Prune(context.Background(), time.Now().Add(-historyOlderThan))
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d jobs\n", n)
	return nil
}
