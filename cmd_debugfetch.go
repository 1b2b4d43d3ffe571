package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/remote"
)

var debugFetchCmd = &cobra.Command{
	Use:   "debugfetch <change-id>",
	Short: "Dump a change as the server reports it",
	Long: `Fetches a change, the files of its current revision and its comments
straight from the server and writes them as JSON. Nothing is cached.

Example:
  craft debugfetch 12345 --output change.json`,
	RunE: runDebugFetch,
	Args: cobra.ExactArgs(1),
}

var flagDebugFetchOutput string

func init() {
	debugFetchCmd.Flags().StringVar(&flagDebugFetchOutput, "output", "", "Output JSON file (default: stdout)")
	rootCmd.AddCommand(debugFetchCmd)
}

type debugDump struct {
	ServerVersion string
	Change        *remote.ChangeInfo
	Files         []remote.FileInfo
	Comments      []remote.CommentInfo
}

func runDebugFetch(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	inst, err := a.instance(cmd.Context())
	if err != nil {
		return err
	}
	client, err := a.remotes.Client(cmd.Context(), inst)
	if err != nil {
		return err
	}

	var dump debugDump
	if dump.ServerVersion, err = client.ServerVersion(cmd.Context()); err != nil {
		return fmt.Errorf("fetching server version: %w", err)
	}
	if dump.Change, err = client.FetchChange(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("fetching change: %w", err)
	}
	if dump.Files, err = client.ListFiles(cmd.Context(), args[0], dump.Change.CurrentRevision); err != nil {
		return fmt.Errorf("fetching files: %w", err)
	}
	if dump.Comments, err = client.ListComments(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("fetching comments: %w", err)
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	if flagDebugFetchOutput == "" {
		os.Stdout.Write(data)
		fmt.Println()
		return nil
	}
	if err := os.WriteFile(flagDebugFetchOutput, data, 0o644); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	fmt.Printf("Wrote %s: %d patch sets, %d files, %d comments\n",
		flagDebugFetchOutput, len(dump.Change.PatchSets), len(dump.Files), len(dump.Comments))
	return nil
}
