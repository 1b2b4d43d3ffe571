// Package remote talks to review servers. Every backend implements Client
// and reports failures as *model.RemoteError with a category the sync engine
// can act on.
package remote

import (
	"context"
	"time"

	"github.com/dnr/craftsync/internal/model"
)

// Client is a stateless, authenticated connection to one instance.
type Client interface {
	ServerVersion(ctx context.Context) (string, error)
	FetchChange(ctx context.Context, changeID string) (*ChangeInfo, error)
	ListFiles(ctx context.Context, changeID, revision string) ([]FileInfo, error)
	ListComments(ctx context.Context, changeID string) ([]CommentInfo, error)
	CreateComment(ctx context.Context, changeID string, in CommentInput) (*CommentInfo, error)
	UpdateComment(ctx context.Context, changeID, commentID string, in CommentInput) (*CommentInfo, error)
	DeleteComment(ctx context.Context, changeID, commentID string) error
	SubmitReview(ctx context.Context, changeID, revision string, in ReviewInput) (*ReviewResult, error)
	SetFileReviewed(ctx context.Context, changeID, revision, path string, reviewed bool) error
}

// Source hands out a Client for an instance.
type Source interface {
	Client(ctx context.Context, inst model.Instance) (Client, error)
}

type staticSource struct{ c Client }

func (s staticSource) Client(context.Context, model.Instance) (Client, error) { return s.c, nil }

// StaticSource returns a Source that always yields c.
func StaticSource(c Client) Source { return staticSource{c: c} }

type ChangeInfo struct {
	ID              string
	Project         string
	Branch          string
	Subject         string
	Status          model.ChangeStatus
	CurrentRevision string
	// PatchSets is ordered by number.
	PatchSets []PatchSetInfo
}

type PatchSetInfo struct {
	Number    int
	Revision  string
	Author    string
	CreatedAt time.Time
}

type FileInfo struct {
	Path          string
	OldPath       string
	ChangeType    model.FileChangeType
	LinesInserted int
	LinesDeleted  int
	Binary        bool
}

type CommentInfo struct {
	ID         string
	Path       string
	PatchSet   int
	Line       int
	Range      *model.CommentRange
	Message    string
	Author     string
	InReplyTo  string
	Unresolved bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CommentInput is the writable part of a comment. Revision is the commit the
// comment is anchored to; PatchSet its number.
type CommentInput struct {
	Path       string
	PatchSet   int
	Revision   string
	Line       int
	Range      *model.CommentRange
	Message    string
	InReplyTo  string
	Unresolved bool
}

// ReviewInput scores a revision. CommentIDs are remote comment ids that the
// review publishes.
type ReviewInput struct {
	Message    string
	Labels     map[string]int
	CommentIDs []string
}

// ReviewResult reports what the server accepted. Dropped lists referenced
// comments the server did not publish with the review.
type ReviewResult struct {
	Labels  map[string]int
	Dropped []string
}

// PatchSetLevel is the path used for comments on a whole patch set.
const PatchSetLevel = "/PATCHSET_LEVEL"
