package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/store"
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect and manage the operation queue",
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations",
	RunE:  runOpsList,
	Args:  cobra.NoArgs,
}

var opsRetryCmd = &cobra.Command{
	Use:   "retry <op-id>",
	Short: "Make a failed operation due again",
	RunE:  runOpsRetry,
	Args:  cobra.ExactArgs(1),
}

var opsCancelCmd = &cobra.Command{
	Use:   "cancel <op-id>",
	Short: "Cancel a pending operation",
	RunE:  runOpsCancel,
	Args:  cobra.ExactArgs(1),
}

var opsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop finished operations",
	RunE:  runOpsPurge,
	Args:  cobra.NoArgs,
}

var (
	flagOpsStatus []string
	flagOpsChange string
	flagOpsAge    time.Duration
)

func init() {
	opsListCmd.Flags().StringSliceVar(&flagOpsStatus, "status", []string{"pending", "in_progress", "failed"}, "Statuses to show")
	opsListCmd.Flags().StringVar(&flagOpsChange, "change", "", "Only operations of this change")
	opsPurgeCmd.Flags().DurationVar(&flagOpsAge, "age", 7*24*time.Hour, "Keep operations finished more recently than this")

	opsCmd.AddCommand(opsListCmd, opsRetryCmd, opsCancelCmd, opsPurgeCmd)
	rootCmd.AddCommand(opsCmd)
}

func runOpsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.instance(cmd.Context())
	if err != nil {
		return err
	}
	f := store.OperationFilter{InstanceID: inst.ID}
	for _, s := range flagOpsStatus {
		f.Statuses = append(f.Statuses, model.OperationStatus(s))
	}
	if flagOpsChange != "" {
		c, err := a.change(cmd.Context(), inst, flagOpsChange)
		if err != nil {
			return err
		}
		f.ChangeID = c.ID
	}

	ops, err := a.queue.List(cmd.Context(), f)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		fmt.Println("Queue is empty.")
		return nil
	}
	for _, op := range ops {
		limit := op.MaxRetries
		if limit <= 0 {
			limit = a.queue.Policy().MaxRetries
		}
		fmt.Printf("%s %-19s %-11s %-8s tries %d/%d", op.ID, op.Type, op.Status, shortID(op.TargetID), op.RetryCount, limit)
		if op.Status == model.OpStatusPending && op.NextAttemptAt.After(time.Now()) {
			fmt.Printf(" next %s", formatTime(&op.NextAttemptAt))
		}
		fmt.Println()
		if op.LastError != "" {
			fmt.Printf("    %s\n", op.LastError)
		}
	}
	return nil
}

func runOpsRetry(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.queue.Retry(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Operation %s is due again.\n", args[0])
	return nil
}

func runOpsCancel(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.queue.Cancel(cmd.Context(), args[0], "cancelled by user"); err != nil {
		return err
	}
	fmt.Printf("Operation %s cancelled.\n", args[0])
	return nil
}

func runOpsPurge(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.instance(cmd.Context())
	if err != nil {
		return err
	}
	n, err := a.queue.Purge(cmd.Context(), inst.ID, flagOpsAge)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d operations.\n", n)
	return nil
}
