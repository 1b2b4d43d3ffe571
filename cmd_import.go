package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/importer"
)

var importCmd = &cobra.Command{
	Use:   "import <change-id>",
	Short: "Fetch a change for offline review",
	Long: `Fetches a change from the review server and caches its patch sets,
files and comments locally. Importing a change again refreshes it.

Examples:
  craft import 12345
  craft import 12345 --no-comments
  craft import 12345 --later`,
	RunE: runImport,
	Args: cobra.ExactArgs(1),
}

var (
	flagImportNoFiles    bool
	flagImportNoComments bool
	flagImportLater      bool
)

func init() {
	importCmd.Flags().BoolVar(&flagImportNoFiles, "no-files", false, "Skip the file list")
	importCmd.Flags().BoolVar(&flagImportNoComments, "no-comments", false, "Skip existing comments")
	importCmd.Flags().BoolVar(&flagImportLater, "later", false, "Queue a refresh of an imported change for the next sync")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.instance(cmd.Context())
	if err != nil {
		return err
	}

	if flagImportLater {
		c, err := a.change(cmd.Context(), inst, args[0])
		if err != nil {
			return err
		}
		op, err := a.importer.QueueRefresh(cmd.Context(), c.ID)
		if err != nil {
			return err
		}
		fmt.Printf("Queued refresh of %s (operation %s).\n", c.RemoteID, shortID(op.ID))
		return nil
	}

	fmt.Printf("Importing %s from %s... ", args[0], inst.Name)
	c, err := a.importer.ImportChange(cmd.Context(), inst.ID, args[0], importer.Options{
		IncludeFiles:    !flagImportNoFiles,
		IncludeComments: !flagImportNoComments,
	})
	if err != nil {
		fmt.Println("failed")
		return err
	}
	fmt.Println("done")

	fmt.Printf("%s: %s\n", c.RemoteID, c.Subject)
	fmt.Printf("  %s/%s, %s\n", c.Project, c.Branch, c.Status)
	files := 0
	if ps, ok := c.CurrentPatchSet(); ok {
		fmt.Printf("  patch set %d (%s)\n", ps.Number, shortRev(ps.Revision))
		for _, f := range c.Files {
			if f.PatchSetNumber == ps.Number {
				files++
			}
		}
	}
	comments, err := a.review.ListComments(cmd.Context(), c.ID, "")
	if err != nil {
		return err
	}
	fmt.Printf("  %d files\n", files)
	fmt.Printf("  %d comments\n", len(comments))
	return nil
}
