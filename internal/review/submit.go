package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dnr/craftsync/internal/markup"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/queue"
	"github.com/dnr/craftsync/internal/store"
)

// ReviewInput is a review to submit. PatchSetNumber 0 means the current
// patch set. A Draft review is only stored until SendReview queues it.
type ReviewInput struct {
	ChangeID       string
	PatchSetNumber int
	Message        string
	Labels         map[string]int
	CommentIDs     []string
	Draft          bool
}

// SubmitReview records a review and queues its submission. Referenced
// comments must already be known to the server or on their way there; the
// sync engine sends the review only once all of them are synced.
func (m *Manager) SubmitReview(ctx context.Context, in ReviewInput) (model.Review, error) {
	msg := markup.Normalize(in.Message)
	for name, score := range in.Labels {
		if strings.TrimSpace(name) == "" {
			return model.Review{}, model.Invalid("label", "name must not be empty")
		}
		if score < -MaxScore || score > MaxScore {
			return model.Review{}, model.Invalid("label", "%s score %d is outside [-%d, %d]", name, score, MaxScore, MaxScore)
		}
	}
	if msg == "" && len(in.Labels) == 0 && len(in.CommentIDs) == 0 {
		return model.Review{}, model.Invalid("review", "needs a message, a label or a comment")
	}

	var out model.Review
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		change, err := loadChange(ctx, tx, in.ChangeID)
		if err != nil {
			return err
		}
		ps, err := patchSet(change, in.PatchSetNumber)
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(in.CommentIDs))
		ids := make([]string, 0, len(in.CommentIDs))
		for _, id := range in.CommentIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if err := checkReviewComment(ctx, tx, change.ID, id, !in.Draft); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		status := model.ReviewPendingSubmission
		if in.Draft {
			status = model.ReviewDraft
		}

		out = model.Review{
			ID:             uuid.NewString(),
			ChangeID:       change.ID,
			PatchSetNumber: ps.Number,
			Message:        msg,
			Labels:         in.Labels,
			CommentIDs:     ids,
			Status:         status,
		}
		if err := tx.CreateReview(ctx, out); err != nil {
			return err
		}
		if in.Draft {
			return nil
		}
		op, err := queue.NewOperation(change.InstanceID, change.ID, model.OpSubmitReview, out.ID, nil)
		if err != nil {
			return err
		}
		_, err = m.queue.EnqueueIn(ctx, tx, op)
		return err
	})
	if err != nil {
		return model.Review{}, fmt.Errorf("submitting review: %w", err)
	}
	m.log.Info("recorded review", "review", out.ID, "change", out.ChangeID, "status", out.Status,
		"labels", out.Labels, "comments", len(out.CommentIDs))
	return m.store.GetReview(ctx, out.ID)
}

// SendReview queues a draft review for submission. Its comments must still
// exist and be on their way to the server.
func (m *Manager) SendReview(ctx context.Context, id string) (model.Review, error) {
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		r, err := tx.GetReview(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != model.ReviewDraft {
			return model.Invalid("review", "%s is %s, only drafts can be sent", id, r.Status)
		}
		for _, cid := range r.CommentIDs {
			if err := checkReviewComment(ctx, tx, r.ChangeID, cid, true); err != nil {
				return err
			}
		}
		if err := tx.SetReviewStatus(ctx, id, model.ReviewPendingSubmission, ""); err != nil {
			return err
		}
		change, err := tx.GetChange(ctx, r.ChangeID)
		if err != nil {
			return err
		}
		op, err := queue.NewOperation(change.InstanceID, change.ID, model.OpSubmitReview, id, nil)
		if err != nil {
			return err
		}
		_, err = m.queue.EnqueueIn(ctx, tx, op)
		return err
	})
	if err != nil {
		return model.Review{}, fmt.Errorf("sending review %s: %w", id, err)
	}
	m.log.Info("queued review", "review", id)
	return m.store.GetReview(ctx, id)
}

func checkReviewComment(ctx context.Context, tx *store.Store, changeID, id string, queued bool) error {
	c, err := tx.GetComment(ctx, id)
	if err != nil || c.ChangeID != changeID || c.Deleted {
		return model.Invalid("comment", "%s is not a comment of change %s", id, changeID)
	}
	if queued && c.SyncStatus == model.SyncLocalOnly {
		return model.Invalid("comment", "%s has not been queued for sync yet; run sync first", id)
	}
	return nil
}

// RetryReview queues a failed review for another submission attempt.
func (m *Manager) RetryReview(ctx context.Context, id string) (model.Review, error) {
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		r, err := tx.GetReview(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != model.ReviewSubmissionFailed {
			return model.Invalid("review", "%s is %s, only submission_failed reviews can be retried", id, r.Status)
		}
		if err := tx.SetReviewStatus(ctx, id, model.ReviewPendingSubmission, ""); err != nil {
			return err
		}
		change, err := tx.GetChange(ctx, r.ChangeID)
		if err != nil {
			return err
		}
		return m.requeue(ctx, tx, change.InstanceID, change.ID, model.OpSubmitReview, id, nil)
	})
	if err != nil {
		return model.Review{}, fmt.Errorf("retrying review %s: %w", id, err)
	}
	return m.store.GetReview(ctx, id)
}

func (m *Manager) GetReview(ctx context.Context, id string) (model.Review, error) {
	return m.store.GetReview(ctx, id)
}

func (m *Manager) ListReviews(ctx context.Context, changeID string) ([]model.Review, error) {
	return m.store.ListReviews(ctx, changeID)
}

// SetFileReviewStatus records the local verdict on a file and queues the
// matching reviewed flag for the server.
func (m *Manager) SetFileReviewStatus(ctx context.Context, changeID string, patchSetNumber int, path string, status model.FileReviewStatus) (model.File, error) {
	switch status {
	case model.FileUnreviewed, model.FilePending, model.FileReviewed, model.FileApproved, model.FileNeedsWork:
	default:
		return model.File{}, model.Invalid("review status", "unknown status %q", status)
	}
	var out model.File
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		change, err := loadChange(ctx, tx, changeID)
		if err != nil {
			return err
		}
		ps, err := patchSet(change, patchSetNumber)
		if err != nil {
			return err
		}
		found := false
		for _, f := range change.Files {
			if f.PatchSetNumber == ps.Number && f.Path == path {
				out, found = f, true
				break
			}
		}
		if !found {
			return model.Invalid("file", "%s is not part of patch set %d", path, ps.Number)
		}
		if err := tx.SetFileReviewStatus(ctx, out.ID, status); err != nil {
			return err
		}
		out.ReviewStatus = status
		op, err := queue.NewOperation(change.InstanceID, change.ID, model.OpPushLocal, out.ID, model.FilePayload{
			Path:           path,
			PatchSetNumber: ps.Number,
			ReviewStatus:   status,
		})
		if err != nil {
			return err
		}
		_, err = m.queue.EnqueueIn(ctx, tx, op)
		return err
	})
	if err != nil {
		return model.File{}, fmt.Errorf("setting review status of %s: %w", path, err)
	}
	return out, nil
}
