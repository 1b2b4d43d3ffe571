package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/model"
)

var fileCmd = &cobra.Command{
	Use:   "file",
	Short: "Track which files of a change are reviewed",
}

var fileListCmd = &cobra.Command{
	Use:   "list <change>",
	Short: "List the files of a patch set",
	RunE:  runFileList,
	Args:  cobra.ExactArgs(1),
}

var fileMarkCmd = &cobra.Command{
	Use:   "mark <change> <path> <status>",
	Short: "Set the review status of a file",
	Long: `Sets the local review status of a file: unreviewed, pending, reviewed,
approved or needs_work. Reviewed and approved files are flagged as reviewed
on the server by the next sync.`,
	RunE: runFileMark,
	Args: cobra.ExactArgs(3),
}

var flagFilePatchSet int

func init() {
	for _, c := range []*cobra.Command{fileListCmd, fileMarkCmd} {
		c.Flags().IntVar(&flagFilePatchSet, "ps", 0, "Patch set number (default: current)")
	}
	fileCmd.AddCommand(fileListCmd, fileMarkCmd)
	rootCmd.AddCommand(fileCmd)
}

func runFileList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.instance(cmd.Context())
	if err != nil {
		return err
	}
	c, err := a.change(cmd.Context(), inst, args[0])
	if err != nil {
		return err
	}
	ps := flagFilePatchSet
	if ps == 0 {
		cur, ok := c.CurrentPatchSet()
		if !ok {
			return fmt.Errorf("change %s has no patch sets cached", args[0])
		}
		ps = cur.Number
	}
	files, err := a.store.ListFiles(cmd.Context(), c.ID, ps)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Printf("No files cached for patch set %d; run 'craft import %s'.\n", ps, c.RemoteID)
		return nil
	}
	for _, f := range files {
		path := f.Path
		if f.OldPath != "" {
			path = f.OldPath + " -> " + f.Path
		}
		fmt.Printf("%-10s %-9s +%-4d -%-4d %s\n", f.ReviewStatus, f.ChangeType, f.LinesInserted, f.LinesDeleted, path)
	}
	return nil
}

func runFileMark(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.instance(cmd.Context())
	if err != nil {
		return err
	}
	c, err := a.change(cmd.Context(), inst, args[0])
	if err != nil {
		return err
	}
	f, err := a.review.SetFileReviewStatus(cmd.Context(), c.ID, flagFilePatchSet, args[1], model.FileReviewStatus(args[2]))
	if err != nil {
		return err
	}
	fmt.Printf("%s is %s.\n", f.Path, f.ReviewStatus)
	return nil
}
