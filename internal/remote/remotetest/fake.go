// Package remotetest provides an in-memory review server for tests.
package remotetest

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/remote"
)

// SubmittedReview is a review received by Fake.
type SubmittedReview struct {
	ChangeID string
	Revision string
	Input    remote.ReviewInput
}

// Fake is an in-memory review server implementing remote.Client.
// Remote timestamps advance by one second per write.
type Fake struct {
	mu sync.Mutex

	Version  string
	changes  map[string]*remote.ChangeInfo
	files    map[string][]remote.FileInfo
	comments map[string][]remote.CommentInfo
	reviews  []SubmittedReview
	reviewed map[string]bool
	failures map[string][]error
	calls    map[string]int
	// Drop lists remote comment ids that SubmitReview reports as not published.
	Drop []string
	// Hook, if set, runs at the start of every call, outside the lock.
	Hook func(method string)

	clock  time.Time
	nextID int
}

var _ remote.Client = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		Version:  "3.9.1",
		changes:  make(map[string]*remote.ChangeInfo),
		files:    make(map[string][]remote.FileInfo),
		comments: make(map[string][]remote.CommentInfo),
		reviewed: make(map[string]bool),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		clock:    time.Now().UTC().Truncate(time.Second),
	}
}

func (f *Fake) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

// Now returns the fake server clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

// SetClock moves the fake server clock; the next write is stamped t+1s.
func (f *Fake) SetClock(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = t
}

// FailNext makes the next len(errs) calls of method return errs in order.
func (f *Fake) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Calls returns how often method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *Fake) enter(ctx context.Context, method string) error {
	if f.Hook != nil {
		f.Hook(method)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if err := ctx.Err(); err != nil {
		return &model.RemoteError{Category: model.CategoryNetwork, Operation: method, Err: err}
	}
	if q := f.failures[method]; len(q) > 0 {
		f.failures[method] = q[1:]
		return q[0]
	}
	return nil
}

func notFound(op, what string) error {
	return &model.RemoteError{Category: model.CategoryNotFound, Operation: op, StatusCode: 404, Message: what + " not found"}
}

// AddPatchSet creates the change if needed and appends a new current patch
// set with the given files. It returns the new revision.
func (f *Fake) AddPatchSet(changeID string, files ...string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.changes[changeID]
	if !ok {
		c = &remote.ChangeInfo{
			ID:      changeID,
			Project: "demo",
			Branch:  "main",
			Subject: "Change " + changeID,
			Status:  model.ChangeStatusNew,
		}
		f.changes[changeID] = c
	}
	n := len(c.PatchSets) + 1
	rev := fmt.Sprintf("%s-rev%d", changeID, n)
	c.PatchSets = append(c.PatchSets, remote.PatchSetInfo{Number: n, Revision: rev, Author: "alice", CreatedAt: f.tick()})
	c.CurrentRevision = rev
	infos := make([]remote.FileInfo, 0, len(files))
	for _, p := range files {
		infos = append(infos, remote.FileInfo{Path: p, ChangeType: model.FileModified, LinesInserted: 10, LinesDeleted: 2})
	}
	f.files[rev] = infos
	return rev
}

// AddComment stores a comment as if another reviewer wrote it.
func (f *Fake) AddComment(changeID string, c remote.CommentInfo) remote.CommentInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c.ID = fmt.Sprintf("rc%d", f.nextID)
	if c.Author == "" {
		c.Author = "bob"
	}
	c.CreatedAt = f.tick()
	c.UpdatedAt = c.CreatedAt
	f.comments[changeID] = append(f.comments[changeID], c)
	return c
}

// EditComment changes a comment server side.
func (f *Fake) EditComment(changeID, id, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.comments[changeID] {
		if c.ID == id {
			f.comments[changeID][i].Message = message
			f.comments[changeID][i].UpdatedAt = f.tick()
		}
	}
}

// RemoveComment deletes a comment server side.
func (f *Fake) RemoveComment(changeID, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(changeID, id)
}

func (f *Fake) removeLocked(changeID, id string) bool {
	cs := f.comments[changeID]
	for i, c := range cs {
		if c.ID == id {
			f.comments[changeID] = append(cs[:i:i], cs[i+1:]...)
			return true
		}
	}
	return false
}

// Comment returns a server-side comment.
func (f *Fake) Comment(changeID, id string) (remote.CommentInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.comments[changeID] {
		if c.ID == id {
			return c, true
		}
	}
	return remote.CommentInfo{}, false
}

// CommentCount returns how many comments the server holds for a change.
func (f *Fake) CommentCount(changeID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.comments[changeID])
}

func (f *Fake) Reviews() []SubmittedReview {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubmittedReview(nil), f.reviews...)
}

// Reviewed reports whether a file was marked reviewed.
func (f *Fake) Reviewed(changeID, revision, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reviewed[changeID+"@"+revision+":"+path]
}

func (f *Fake) ServerVersion(ctx context.Context) (string, error) {
	if err := f.enter(ctx, "ServerVersion"); err != nil {
		return "", err
	}
	return f.Version, nil
}

func (f *Fake) FetchChange(ctx context.Context, changeID string) (*remote.ChangeInfo, error) {
	if err := f.enter(ctx, "FetchChange"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.changes[changeID]
	if !ok {
		return nil, notFound("fetch change", "change "+changeID)
	}
	out := *c
	out.PatchSets = append([]remote.PatchSetInfo(nil), c.PatchSets...)
	return &out, nil
}

func (f *Fake) ListFiles(ctx context.Context, changeID, revision string) ([]remote.FileInfo, error) {
	if err := f.enter(ctx, "ListFiles"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	files, ok := f.files[revision]
	if !ok {
		return nil, notFound("list files", "revision "+revision)
	}
	return append([]remote.FileInfo(nil), files...), nil
}

func (f *Fake) ListComments(ctx context.Context, changeID string) ([]remote.CommentInfo, error) {
	if err := f.enter(ctx, "ListComments"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.changes[changeID]; !ok {
		return nil, notFound("list comments", "change "+changeID)
	}
	return append([]remote.CommentInfo(nil), f.comments[changeID]...), nil
}

func (f *Fake) CreateComment(ctx context.Context, changeID string, in remote.CommentInput) (*remote.CommentInfo, error) {
	if err := f.enter(ctx, "CreateComment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.changes[changeID]; !ok {
		return nil, notFound("create comment", "change "+changeID)
	}
	f.nextID++
	t := f.tick()
	c := remote.CommentInfo{
		ID:         fmt.Sprintf("rc%d", f.nextID),
		Path:       in.Path,
		PatchSet:   in.PatchSet,
		Line:       in.Line,
		Range:      in.Range,
		Message:    in.Message,
		Author:     "me",
		InReplyTo:  in.InReplyTo,
		Unresolved: in.Unresolved,
		CreatedAt:  t,
		UpdatedAt:  t,
	}
	f.comments[changeID] = append(f.comments[changeID], c)
	return &c, nil
}

func (f *Fake) UpdateComment(ctx context.Context, changeID, commentID string, in remote.CommentInput) (*remote.CommentInfo, error) {
	if err := f.enter(ctx, "UpdateComment"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.comments[changeID] {
		if c.ID == commentID {
			c.Message = in.Message
			c.Unresolved = in.Unresolved
			c.UpdatedAt = f.tick()
			f.comments[changeID][i] = c
			return &c, nil
		}
	}
	return nil, notFound("update comment", "comment "+commentID)
}

func (f *Fake) DeleteComment(ctx context.Context, changeID, commentID string) error {
	if err := f.enter(ctx, "DeleteComment"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.removeLocked(changeID, commentID) {
		return notFound("delete comment", "comment "+commentID)
	}
	return nil
}

func (f *Fake) SubmitReview(ctx context.Context, changeID, revision string, in remote.ReviewInput) (*remote.ReviewResult, error) {
	if err := f.enter(ctx, "SubmitReview"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.changes[changeID]; !ok {
		return nil, notFound("submit review", "change "+changeID)
	}
	in.Labels = maps.Clone(in.Labels)
	in.CommentIDs = append([]string(nil), in.CommentIDs...)
	f.reviews = append(f.reviews, SubmittedReview{ChangeID: changeID, Revision: revision, Input: in})
	return &remote.ReviewResult{Labels: maps.Clone(in.Labels), Dropped: append([]string(nil), f.Drop...)}, nil
}

func (f *Fake) SetFileReviewed(ctx context.Context, changeID, revision, path string, reviewed bool) error {
	if err := f.enter(ctx, "SetFileReviewed"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviewed[changeID+"@"+revision+":"+path] = reviewed
	return nil
}
