package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review <change>",
	Short: "Queue a review with votes and comments",
	Long: `Queues a review of a change. The review is sent by the next
'craft sync' once every comment it includes has reached the server.
Included comments must have been through at least one sync.

Examples:
  craft review 12345 -l Code-Review=+2 -m "Looks good"
  craft review 12345 -l Code-Review=-1 -c 3f2a9c1e -c 9b0e44d2`,
	RunE: runReview,
	Args: cobra.ExactArgs(1),
}

var reviewRetryCmd = &cobra.Command{
	Use:   "retry <review-id>",
	Short: "Queue a failed review for another attempt",
	RunE:  runReviewRetry,
	Args:  cobra.ExactArgs(1),
}

var reviewSendCmd = &cobra.Command{
	Use:   "send <review-id>",
	Short: "Queue a draft review for submission",
	RunE:  runReviewSend,
	Args:  cobra.ExactArgs(1),
}

var reviewListCmd = &cobra.Command{
	Use:   "list <change>",
	Short: "Show the reviews of a change",
	RunE:  runReviewList,
	Args:  cobra.ExactArgs(1),
}

var (
	flagReviewMessage  string
	flagReviewLabels   []string
	flagReviewComments []string
	flagReviewPatchSet int
	flagReviewDraft    bool
)

func init() {
	f := reviewCmd.Flags()
	f.StringVarP(&flagReviewMessage, "message", "m", "", `Review message ("-" reads stdin)`)
	f.StringArrayVarP(&flagReviewLabels, "label", "l", nil, "Vote such as Code-Review=+2 (repeatable)")
	f.StringArrayVarP(&flagReviewComments, "comment", "c", nil, "Comment id to publish with the review (repeatable)")
	f.IntVar(&flagReviewPatchSet, "ps", 0, "Patch set number (default: current)")
	f.BoolVar(&flagReviewDraft, "draft", false, "Keep the review as a draft until 'craft review send'")

	reviewCmd.AddCommand(reviewRetryCmd, reviewSendCmd, reviewListCmd)
	rootCmd.AddCommand(reviewCmd)
}

func runReview(cmd *cobra.Command, args []string) error {
	labels, err := parseLabels(flagReviewLabels)
	if err != nil {
		return err
	}
	msg, err := readMessage(flagReviewMessage)
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

	r, err := a.review.SubmitReview(cmd.Context(), review.ReviewInput{
		ChangeID:       c.ID,
		PatchSetNumber: flagReviewPatchSet,
		Message:        msg,
		Labels:         labels,
		CommentIDs:     flagReviewComments,
		Draft:          flagReviewDraft,
	})
	if err != nil {
		return err
	}
	verb := "Queued"
	if r.Status == model.ReviewDraft {
		verb = "Saved draft"
	}
	fmt.Printf("%s review %s on patch set %d", verb, r.ID, r.PatchSetNumber)
	if len(r.Labels) > 0 {
		fmt.Printf(" (%s)", formatLabels(r.Labels))
	}
	fmt.Printf(" with %d comments.\n", len(r.CommentIDs))
	if r.Status == model.ReviewDraft {
		fmt.Printf("Run 'craft review send %s' when it is ready.\n", r.ID)
		return nil
	}
	fmt.Println("Run 'craft sync' to send it.")
	return nil
}

func runReviewSend(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	r, err := a.review.SendReview(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Review %s queued. Run 'craft sync' to send it.\n", r.ID)
	return nil
}

func runReviewRetry(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	r, err := a.review.RetryReview(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Review %s queued again.\n", r.ID)
	return nil
}

func runReviewList(cmd *cobra.Command, args []string) error {
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
	reviews, err := a.review.ListReviews(cmd.Context(), c.ID)
	if err != nil {
		return err
	}
	if len(reviews) == 0 {
		fmt.Println("No reviews.")
		return nil
	}
	for _, r := range reviews {
		fmt.Println(createHorizontalRule(2, shortID(r.ID), "ps "+fmt.Sprint(r.PatchSetNumber), string(r.Status), formatTime(r.SubmittedAt)))
		if len(r.Labels) > 0 {
			fmt.Println("  " + formatLabels(r.Labels))
		}
		if r.Message != "" {
			fmt.Println(indentLines(r.Message, "  "))
		}
		if len(r.CommentIDs) > 0 {
			fmt.Printf("  %d comments\n", len(r.CommentIDs))
		}
		if r.LastError != "" {
			fmt.Printf("  ! %s\n", r.LastError)
		}
	}
	return nil
}
