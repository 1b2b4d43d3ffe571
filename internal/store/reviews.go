package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dnr/craftsync/internal/model"
)

const reviewColumns = `review_id, change_id, patch_set_number, message, labels_json, comment_ids_json, status, last_error, created_at, updated_at, submitted_at`

func (s *Store) CreateReview(ctx context.Context, r model.Review) error {
	t := now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = t
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = t
	}
	if r.Labels == nil {
		r.Labels = map[string]int{}
	}
	if r.CommentIDs == nil {
		r.CommentIDs = []string{}
	}
	labels, err := json.Marshal(r.Labels)
	if err != nil {
		return fmt.Errorf("encode labels: %w", err)
	}
	ids, err := json.Marshal(r.CommentIDs)
	if err != nil {
		return fmt.Errorf("encode comment ids: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO reviews(`+reviewColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChangeID, r.PatchSetNumber, r.Message, string(labels), string(ids), string(r.Status), r.LastError,
		ts(r.CreatedAt), ts(r.UpdatedAt), nullableTS(r.SubmittedAt))
	return storageErr("create review", err)
}

func (s *Store) GetReview(ctx context.Context, id string) (model.Review, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE review_id = ?`, id)
	r, err := scanReview(row)
	if err != nil {
		return model.Review{}, storageErr("get review "+id, err)
	}
	return r, nil
}

// ListReviews returns the reviews of a change, optionally limited to statuses.
func (s *Store) ListReviews(ctx context.Context, changeID string, statuses ...model.ReviewStatus) ([]model.Review, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews WHERE change_id = ?`
	args := []any{changeID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list reviews", err)
	}
	defer rows.Close()

	out := make([]model.Review, 0)
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, storageErr("scan review", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter reviews", err)
	}
	return out, nil
}

// SetReviewStatus records the outcome of a submission attempt. A submitted
// or partially submitted review gets its submission time stamped.
func (s *Store) SetReviewStatus(ctx context.Context, id string, status model.ReviewStatus, lastError string) error {
	t := now()
	var submitted any
	if status == model.ReviewSubmitted || status == model.ReviewPartiallySubmitted {
		submitted = ts(t)
	}
	return execOne(ctx, s.q, "set review status "+id, `
UPDATE reviews SET status = ?, last_error = ?, submitted_at = COALESCE(?, submitted_at), updated_at = ?
WHERE review_id = ?`, string(status), lastError, submitted, ts(t), id)
}

// ReviewsReferencing returns unsubmitted reviews whose comment list contains commentID.
func (s *Store) ReviewsReferencing(ctx context.Context, changeID, commentID string) ([]model.Review, error) {
	all, err := s.ListReviews(ctx, changeID, model.ReviewDraft, model.ReviewPendingSubmission, model.ReviewSubmissionFailed)
	if err != nil {
		return nil, err
	}
	out := make([]model.Review, 0)
	for _, r := range all {
		for _, id := range r.CommentIDs {
			if id == commentID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func scanReview(sc scanner) (model.Review, error) {
	var (
		r                    model.Review
		labels, ids, status  string
		createdAt, updatedAt string
		submitted            sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.ChangeID, &r.PatchSetNumber, &r.Message, &labels, &ids, &status, &r.LastError,
		&createdAt, &updatedAt, &submitted); err != nil {
		return model.Review{}, err
	}
	r.Status = model.ReviewStatus(status)
	if err := json.Unmarshal([]byte(labels), &r.Labels); err != nil {
		return model.Review{}, fmt.Errorf("decode review labels: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &r.CommentIDs); err != nil {
		return model.Review{}, fmt.Errorf("decode review comment ids: %w", err)
	}
	var err error
	if r.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Review{}, fmt.Errorf("parse review created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Review{}, fmt.Errorf("parse review updated_at: %w", err)
	}
	if r.SubmittedAt, err = parseNullTS(submitted); err != nil {
		return model.Review{}, fmt.Errorf("parse review submitted_at: %w", err)
	}
	return r, nil
}
