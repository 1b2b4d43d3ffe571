package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/markup"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/review"
)

var commentCmd = &cobra.Command{
	Use:   "comment",
	Short: "Write and manage review comments",
}

var commentAddCmd = &cobra.Command{
	Use:   "add <change>",
	Short: "Add a draft comment",
	Long: `Adds a comment to a cached change. The comment is stored locally and
sent by the next 'craft sync'. Without --file the comment applies to the
whole patch set. A message of "-" is read from stdin.

Examples:
  craft comment add 12345 -f main.go -l 10 -m "nit: typo"
  craft comment add 12345 --reply-to 3f2a9c1e -m "Done"`,
	RunE: runCommentAdd,
	Args: cobra.ExactArgs(1),
}

var commentEditCmd = &cobra.Command{
	Use:   "edit <comment-id>",
	Short: "Change the text or resolved state of a comment",
	RunE:  runCommentEdit,
	Args:  cobra.ExactArgs(1),
}

var commentRmCmd = &cobra.Command{
	Use:   "rm <comment-id>",
	Short: "Delete a comment",
	RunE:  runCommentRm,
	Args:  cobra.ExactArgs(1),
}

var commentListCmd = &cobra.Command{
	Use:   "list <change>",
	Short: "Show the comments of a change",
	RunE:  runCommentList,
	Args:  cobra.ExactArgs(1),
}

var commentResolveCmd = &cobra.Command{
	Use:   "resolve <comment-id>",
	Short: "Settle a comment that changed on both sides",
	Long: `Settles a comment in conflict_detected.

  --keep local    push the local text over the server copy
  --keep remote   drop the local edit and take the server copy
  --keep edit     replace both with the text given by -m`,
	RunE: runCommentResolve,
	Args: cobra.ExactArgs(1),
}

var commentRetryCmd = &cobra.Command{
	Use:   "retry <comment-id>",
	Short: "Queue a failed comment for another attempt",
	RunE:  runCommentRetry,
	Args:  cobra.ExactArgs(1),
}

var (
	flagCommentFile       string
	flagCommentLine       int
	flagCommentPatchSet   int
	flagCommentMessage    string
	flagCommentReplyTo    string
	flagCommentUnresolved bool
	flagCommentResolved   bool
	flagCommentStatus     string
	flagCommentKeep       string
	flagCommentWidth      int
)

func init() {
	f := commentAddCmd.Flags()
	f.StringVarP(&flagCommentFile, "file", "f", "", "File path")
	f.IntVarP(&flagCommentLine, "line", "l", 0, "Line number (0 for a file comment)")
	f.IntVar(&flagCommentPatchSet, "ps", 0, "Patch set number (default: current)")
	f.StringVar(&flagCommentReplyTo, "reply-to", "", "Id of the comment to reply to")
	f.BoolVar(&flagCommentUnresolved, "unresolved", false, "Mark the thread unresolved")

	commentEditCmd.Flags().BoolVar(&flagCommentUnresolved, "unresolved", false, "Mark the thread unresolved")
	commentEditCmd.Flags().BoolVar(&flagCommentResolved, "resolved", false, "Mark the thread resolved")
	commentEditCmd.MarkFlagsMutuallyExclusive("unresolved", "resolved")

	for _, c := range []*cobra.Command{commentAddCmd, commentEditCmd, commentResolveCmd} {
		c.Flags().StringVarP(&flagCommentMessage, "message", "m", "", `Comment text ("-" reads stdin)`)
	}
	commentAddCmd.MarkFlagRequired("message")

	commentListCmd.Flags().StringVarP(&flagCommentFile, "file", "f", "", "Only comments on this file")
	commentListCmd.Flags().StringVar(&flagCommentStatus, "status", "", "Only comments in this sync status")
	commentListCmd.Flags().IntVarP(&flagCommentWidth, "width", "w", MaxLineLength, "Wrap comment text at this width")

	commentResolveCmd.Flags().StringVar(&flagCommentKeep, "keep", "", "local, remote or edit")
	commentResolveCmd.MarkFlagRequired("keep")

	commentCmd.AddCommand(commentAddCmd, commentEditCmd, commentRmCmd, commentListCmd, commentResolveCmd, commentRetryCmd)
	rootCmd.AddCommand(commentCmd)
}

func readMessage(m string) (string, error) {
	if m != "-" {
		return m, nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading message: %w", err)
	}
	return string(b), nil
}

func runCommentAdd(cmd *cobra.Command, args []string) error {
	msg, err := readMessage(flagCommentMessage)
	if err != nil {
		return err
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
	c, err := a.change(cmd.Context(), inst, args[0])
	if err != nil {
		return err
	}

	cm, err := a.review.CreateComment(cmd.Context(), review.CommentInput{
		ChangeID:       c.ID,
		FilePath:       flagCommentFile,
		PatchSetNumber: flagCommentPatchSet,
		Line:           flagCommentLine,
		Message:        msg,
		ParentID:       flagCommentReplyTo,
		Unresolved:     flagCommentUnresolved,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Added comment %s on %s.\n", cm.ID, location(cm))
	return nil
}

func runCommentEdit(cmd *cobra.Command, args []string) error {
	var up review.CommentUpdate
	if flagCommentMessage != "" {
		msg, err := readMessage(flagCommentMessage)
		if err != nil {
			return err
		}
		up.Message = &msg
	}
	switch {
	case flagCommentUnresolved:
		up.Unresolved = &flagCommentUnresolved
	case flagCommentResolved:
		v := false
		up.Unresolved = &v
	}
	if up.Message == nil && up.Unresolved == nil {
		return fmt.Errorf("nothing to change; pass -m, --resolved or --unresolved")
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	cm, err := a.review.UpdateComment(cmd.Context(), args[0], up)
	if err != nil {
		return err
	}
	fmt.Printf("Comment %s is %s.\n", cm.ID, cm.SyncStatus)
	return nil
}

func runCommentRm(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.review.DeleteComment(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted comment %s.\n", args[0])
	return nil
}

func runCommentList(cmd *cobra.Command, args []string) error {
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
	var statuses []model.SyncStatus
	if flagCommentStatus != "" {
		statuses = append(statuses, model.SyncStatus(flagCommentStatus))
	}
	comments, err := a.review.ListComments(cmd.Context(), c.ID, flagCommentFile, statuses...)
	if err != nil {
		return err
	}
	if len(comments) == 0 {
		fmt.Println("No comments.")
		return nil
	}
	printComments(os.Stdout, comments, flagCommentWidth)
	return nil
}

// printComments writes comments grouped by location, replies indented
// under their parent.
func printComments(w io.Writer, comments []model.Comment, width int) {
	children := make(map[string][]model.Comment)
	known := make(map[string]bool, len(comments))
	for _, c := range comments {
		known[c.ID] = true
	}
	var roots []model.Comment
	for _, c := range comments {
		if c.ParentID != "" && known[c.ParentID] {
			children[c.ParentID] = append(children[c.ParentID], c)
		} else {
			roots = append(roots, c)
		}
	}

	var show func(c model.Comment, depth int)
	show = func(c model.Comment, depth int) {
		prefix := strings.Repeat("  ", depth)
		fields := []string{shortID(c.ID), c.Author, formatTime(&c.UpdatedAt), string(c.SyncStatus)}
		if c.Unresolved {
			fields = append(fields, "unresolved")
		}
		fmt.Fprintln(w, prefix+createHorizontalRule(2, fields...))
		fmt.Fprintln(w, indentLines(markup.Reflow(c.Message, width-len(prefix)), prefix))
		if c.SyncStatus == model.SyncConflictDetected {
			switch c.ConflictReason {
			case model.ConflictReasonRemoteDeleted:
				fmt.Fprintln(w, prefix+"! deleted on the server")
			default:
				fmt.Fprintln(w, prefix+"! server copy:")
				fmt.Fprintln(w, indentLines(markup.Reflow(c.RemoteMessage, width-len(prefix)-2), prefix+"  "))
			}
		}
		for _, r := range children[c.ID] {
			show(r, depth+1)
		}
	}

	last := ""
	for _, c := range roots {
		if loc := location(c); loc != last {
			if last != "" {
				fmt.Fprintln(w)
			}
			fmt.Fprintln(w, loc)
			last = loc
		}
		show(c, 0)
	}
}

func location(c model.Comment) string {
	path := c.FilePath
	if path == "" {
		path = "(patch set)"
	}
	if c.Line > 0 {
		return fmt.Sprintf("%s:%d [ps %d]", path, c.Line, c.PatchSetNumber)
	}
	return fmt.Sprintf("%s [ps %d]", path, c.PatchSetNumber)
}

func runCommentResolve(cmd *cobra.Command, args []string) error {
	var choice review.Choice
	switch flagCommentKeep {
	case "local":
		choice = review.KeepLocal
	case "remote":
		choice = review.KeepRemote
	case "edit":
		choice = review.Edit
	default:
		return fmt.Errorf("--keep must be local, remote or edit, got %q", flagCommentKeep)
	}
	text, err := readMessage(flagCommentMessage)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	cm, err := a.review.ResolveConflict(cmd.Context(), args[0], choice, text)
	if err != nil {
		return err
	}
	fmt.Printf("Comment %s is %s.\n", cm.ID, cm.SyncStatus)
	return nil
}

func runCommentRetry(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	cm, err := a.review.RetryComment(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Comment %s queued again (%s).\n", cm.ID, cm.SyncStatus)
	return nil
}
