package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/markup"
)

var wrapCmd = &cobra.Command{
	Use:   "wrap",
	Short: "Wrap comment text from stdin at specified width",
	Long: `Reads a markdown comment body from stdin, wraps it at the specified width,
and writes it to stdout. This is how 'craft comment list' displays bodies.`,
	RunE: runWrap,
	Args: cobra.NoArgs,
}

var unwrapCmd = &cobra.Command{
	Use:   "unwrap",
	Short: "Unwrap comment text from stdin",
	Long: `Reads a markdown comment body from stdin, joins soft-wrapped lines, and
writes it to stdout. This is the form in which comments are stored and sent.`,
	RunE: runUnwrap,
	Args: cobra.NoArgs,
}

var flagWrapWidth int

func init() {
	wrapCmd.Flags().IntVarP(&flagWrapWidth, "width", "w", MaxLineLength, "Line width for wrapping")
	rootCmd.AddCommand(wrapCmd, unwrapCmd)
}

func runWrap(cmd *cobra.Command, args []string) error {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	os.Stdout.WriteString(markup.Reflow(string(input), flagWrapWidth) + "\n")
	return nil
}

func runUnwrap(cmd *cobra.Command, args []string) error {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	os.Stdout.WriteString(markup.Normalize(string(input)) + "\n")
	return nil
}
