package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/model"
)

var statusCmd = &cobra.Command{
	Use:   "status [change]",
	Short: "Show what still has to reach the server",
	RunE:  runStatus,
	Args:  cobra.MaximumNArgs(1),
}

var flagStatusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&flagStatusJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.instance(cmd.Context())
	if err != nil {
		return err
	}
	var changeID string
	if len(args) == 1 {
		c, err := a.change(cmd.Context(), inst, args[0])
		if err != nil {
			return err
		}
		changeID = c.ID
	}

	rep, err := a.syncer.Status(cmd.Context(), inst.ID, changeID)
	if err != nil {
		return err
	}
	if flagStatusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printStatus(inst, rep)
	return nil
}

func printStatus(inst model.Instance, rep *model.StatusReport) {
	fmt.Printf("Instance %s: %s\n", inst.Name, inst.ConnectionStatus)
	if rep.InProgress {
		fmt.Println("A sync is running.")
	}
	fmt.Printf("  %d comments to send, %d failed, %d in conflict\n", rep.PendingComments, rep.FailedComments, rep.ConflictComments)
	fmt.Printf("  %d operations queued, %d failed\n", rep.PendingOperations, rep.FailedOperations)
	for _, c := range rep.Changes {
		fmt.Println()
		fmt.Println(createHorizontalRule(2, c.RemoteID, string(c.ImportStatus), "synced "+formatTime(c.LastSyncedAt)))
		if c.ConflictStatus != model.ConflictNone && c.ConflictStatus != "" {
			fmt.Printf("  ! %s\n", c.ConflictStatus)
		}
		if c.PendingComments+c.FailedComments+c.ConflictComments > 0 {
			fmt.Printf("  comments: %d to send, %d failed, %d in conflict\n", c.PendingComments, c.FailedComments, c.ConflictComments)
		}
		if c.PendingReviews > 0 {
			fmt.Printf("  reviews: %d waiting\n", c.PendingReviews)
		}
	}
}
