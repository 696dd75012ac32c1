package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/reducer/internal/core/domain"
	"github.com/vietddude/reducer/internal/indexing/consistency"
	"github.com/vietddude/reducer/internal/infra/storage"
)

var (
	statusLimit int
	statusAll   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job progress, the retry queue and inconsistent items",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "max inconsistent items to list")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "include FIXED items")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app, closeApp := openApp(ctx)
	defer closeApp()
	stores := app.Stores()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)

	_, _ = fmt.Fprintln(w, "JOB\tCONTINUATION\tLATEST CHECKED")
	for _, job := range []string{consistency.DetectionJobName, consistency.OwnershipDetectionJobName, consistency.RepairJobName} {
		state, err := stores.JobStates.Get(ctx, job)
		if err != nil {
			slog.Error("Failed to load job state", "job", job, "error", err)
			os.Exit(1)
		}
		if state == nil {
			_, _ = fmt.Fprintf(w, "%s\t-\tnever\n", job)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", job, state.Continuation, state.LatestChecked.Format(time.RFC3339))
	}
	_ = w.Flush()

	failed, err := stores.Failed.Count(ctx)
	if err != nil {
		slog.Error("Failed to count failed reduces", "error", err)
		os.Exit(1)
	}
	fmt.Printf("\nFailed reduces queued: %d\n\n", failed)

	q := storage.InconsistentItemQuery{Limit: statusLimit}
	if !statusAll {
		q.Statuses = []domain.InconsistentItemStatus{
			domain.InconsistentNew,
			domain.InconsistentUnfixed,
			domain.InconsistentRelapsed,
		}
	}
	items, err := stores.Inconsistent.Search(ctx, q)
	if err != nil {
		slog.Error("Failed to query inconsistent items", "error", err)
		os.Exit(1)
	}

	_, _ = fmt.Fprintln(w, "ITEM\tTYPE\tSTATUS\tSUPPLY\tOWNERSHIPS\tFIX\tRELAPSES\tUPDATED")
	for _, it := range items {
		fix := "-"
		if it.FixVersionApplied != nil {
			fix = fmt.Sprint(*it.FixVersionApplied)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			it.ID, it.Type, it.Status, it.AggregateValue, it.DerivedValue, fix, it.RelapseCount,
			it.LastUpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
