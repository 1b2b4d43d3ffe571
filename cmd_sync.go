package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/syncer"
)

var syncCmd = &cobra.Command{
	Use:   "sync [change...]",
	Short: "Exchange queued work with the review server",
	Long: `Pulls server updates for cached changes and pushes everything written
offline: comments, deletions, file review marks and reviews. Without
arguments every change of the instance is synced.

Comments edited on both sides are settled by --resolution:
  auto         newer edit wins (default from config)
  local_wins   local text overwrites the server copy
  remote_wins  server copy replaces the local text
  prompt       flag the comment for 'craft comment resolve'

Examples:
  craft sync
  craft sync 12345 --type push
  craft sync --resolution prompt`,
	RunE: runSync,
}

var (
	flagSyncType       string
	flagSyncResolution string
)

func init() {
	syncCmd.Flags().StringVar(&flagSyncType, "type", "full", "pull, push or full")
	syncCmd.Flags().StringVar(&flagSyncResolution, "resolution", "", "Conflict strategy: auto, local_wins, remote_wins or prompt")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	typ, err := syncer.ParseType(flagSyncType)
	if err != nil {
		return err
	}
	var strategy syncer.Strategy
	if flagSyncResolution != "" {
		if strategy, err = syncer.ParseStrategy(flagSyncResolution); err != nil {
			return err
		}
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.instance(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Syncing %s (%s)... ", inst.Name, typ)
	sum, err := a.syncer.Sync(cmd.Context(), inst.ID, syncer.Options{
		ChangeIDs:  args,
		Type:       typ,
		Resolution: strategy,
	})
	if err != nil {
		fmt.Println("failed")
		return err
	}
	if sum.Cancelled {
		fmt.Println("interrupted")
	} else {
		fmt.Printf("done in %s\n", sum.Duration.Round(time.Millisecond))
	}
	printSummary(sum)

	if n := countPermanent(sum.Failures); n > 0 {
		return fmt.Errorf("%d operations failed; see 'craft ops list --status failed'", n)
	}
	return nil
}

func printSummary(sum *syncer.Summary) {
	fmt.Printf("  %d changes\n", sum.ChangesProcessed)
	if sum.CommentsPulled > 0 {
		fmt.Printf("  %d comments pulled\n", sum.CommentsPulled)
	}
	if sum.CommentsSynced > 0 {
		fmt.Printf("  %d comments sent\n", sum.CommentsSynced)
	}
	if sum.ReviewsSubmitted > 0 {
		fmt.Printf("  %d reviews submitted\n", sum.ReviewsSubmitted)
	}
	if sum.ConflictsDetected > 0 {
		fmt.Printf("  %d conflicts, %d settled\n", sum.ConflictsDetected, sum.ConflictsResolved)
	}
	if sum.OperationsRetrying > 0 {
		fmt.Printf("  %d operations will be retried\n", sum.OperationsRetrying)
	}
	if sum.OperationsDeferred > 0 {
		fmt.Printf("  %d operations waiting\n", sum.OperationsDeferred)
	}
	for _, f := range sum.Failures {
		kind := "retry"
		if f.Permanent {
			kind = "failed"
		}
		fmt.Fprintf(os.Stderr, "  %s: %s %s: %s\n", kind, f.Type, shortID(f.TargetID), f.Err)
	}
}

func countPermanent(fs []syncer.Failure) int {
	n := 0
	for _, f := range fs {
		if f.Permanent {
			n++
		}
	}
	return n
}
