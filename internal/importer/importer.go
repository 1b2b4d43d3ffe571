// Package importer caches remote changes locally: metadata and patch sets,
// the files of the current patch set and the existing comments.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/queue"
	"github.com/dnr/craftsync/internal/remote"
	"github.com/dnr/craftsync/internal/store"
)

type Importer struct {
	store   *store.Store
	remotes remote.Source
	queue   *queue.Queue
	log     *slog.Logger
}

type Option func(*Importer)

func WithLogger(l *slog.Logger) Option {
	return func(im *Importer) { im.log = l }
}

func New(st *store.Store, remotes remote.Source, q *queue.Queue, opts ...Option) *Importer {
	im := &Importer{store: st, remotes: remotes, queue: q, log: logging.Discard()}
	for _, o := range opts {
		o(im)
	}
	return im
}

type Options struct {
	IncludeFiles    bool
	IncludeComments bool
}

// ImportChange fetches a remote change and caches it. Importing a change
// again merges new patch sets and comments into the cache. On failure the
// cache keeps whatever was stored before.
func (im *Importer) ImportChange(ctx context.Context, instanceID, remoteChangeID string, o Options) (*model.Change, error) {
	if remoteChangeID == "" {
		return nil, model.Invalid("change id", "must not be empty")
	}
	inst, err := im.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	client, err := im.remotes.Client(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", inst.Name, err)
	}

	info, err := client.FetchChange(ctx, remoteChangeID)
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", remoteChangeID, RemoteFailure(err))
	}
	change, _, err := im.ApplyChange(ctx, instanceID, info)
	if err != nil {
		return nil, fmt.Errorf("importing %s: %w", remoteChangeID, err)
	}
	log := im.log.With("change", change.ID, "remote", change.RemoteID)

	final := model.ImportImported
	if change.ImportStatus == model.ImportOutdated && !o.IncludeFiles {
		final = model.ImportOutdated
	}
	if err := im.store.SetImportStatus(ctx, change.ID, model.ImportImporting); err != nil {
		return nil, fmt.Errorf("importing %s: %w", remoteChangeID, err)
	}

	fail := func(stage string, err error) (*model.Change, error) {
		if serr := im.store.SetImportStatus(ctx, change.ID, model.ImportFailed); serr != nil {
			log.Error("could not mark import failed", "err", serr)
		}
		return nil, fmt.Errorf("importing %s %s: %w", remoteChangeID, stage, err)
	}

	if o.IncludeFiles {
		if err := im.PullFiles(ctx, client, change); err != nil {
			return fail("files", err)
		}
	}
	if o.IncludeComments {
		comments, err := client.ListComments(ctx, change.RemoteID)
		if err != nil {
			return fail("comments", RemoteFailure(err))
		}
		n, err := im.MergeComments(ctx, change.ID, comments)
		if err != nil {
			return fail("comments", err)
		}
		log.Debug("merged remote comments", "count", n)
	}

	err = im.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.SetImportStatus(ctx, change.ID, final); err != nil {
			return err
		}
		if err := tx.MarkChangeSynced(ctx, change.ID); err != nil {
			return err
		}
		_, err := tx.RefreshConflictStatus(ctx, change.ID)
		return err
	})
	if err != nil {
		return fail("finish", err)
	}
	log.Info("imported change", "patchSets", len(change.PatchSets), "status", final)
	return im.store.GetChange(ctx, change.ID)
}

// ApplyChange merges remote change metadata and patch sets into the cache in
// one transaction. Existing patch sets are never rewritten; new ones are
// appended and the current flag follows the remote. A change seen for the
// first time is stored as pending, and one whose current patch set advanced
// becomes outdated until its files are pulled. It reports whether the current
// patch set advanced.
func (im *Importer) ApplyChange(ctx context.Context, instanceID string, info *remote.ChangeInfo) (*model.Change, bool, error) {
	if len(info.PatchSets) == 0 {
		return nil, false, fmt.Errorf("change %s has no patch sets", info.ID)
	}
	var (
		out      *model.Change
		advanced bool
	)
	err := im.store.WithTx(ctx, func(tx *store.Store) error {
		c, err := tx.GetChangeByRemoteID(ctx, instanceID, info.ID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			c = &model.Change{
				ID:           uuid.NewString(),
				InstanceID:   instanceID,
				RemoteID:     info.ID,
				ImportStatus: model.ImportPending,
			}
			fillMetadata(c, info)
			if err := tx.CreateChange(ctx, *c); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			fillMetadata(c, info)
			if err := tx.UpdateChangeMetadata(ctx, *c); err != nil {
				return err
			}
		}

		known := make(map[int]bool, len(c.PatchSets))
		prev := 0
		for _, ps := range c.PatchSets {
			known[ps.Number] = true
			if ps.IsCurrent {
				prev = ps.Number
			}
		}
		current := 0
		for _, ps := range info.PatchSets {
			if ps.Revision == info.CurrentRevision {
				current = ps.Number
			}
			if known[ps.Number] {
				continue
			}
			if err := tx.AppendPatchSet(ctx, model.PatchSet{
				ChangeID:  c.ID,
				Number:    ps.Number,
				Revision:  ps.Revision,
				Author:    ps.Author,
				CreatedAt: ps.CreatedAt,
			}); err != nil {
				return err
			}
		}
		if current == 0 {
			current = info.PatchSets[len(info.PatchSets)-1].Number
		}
		if current != prev {
			if err := tx.SetCurrentPatchSet(ctx, c.ID, current); err != nil {
				return err
			}
		}
		advanced = prev != 0 && current > prev
		if advanced {
			// files of the new patch set are not cached yet
			if err := tx.SetImportStatus(ctx, c.ID, model.ImportOutdated); err != nil {
				return err
			}
		}
		if _, err := tx.RefreshConflictStatus(ctx, c.ID); err != nil {
			return err
		}
		out, err = tx.GetChange(ctx, c.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, advanced, nil
}

func fillMetadata(c *model.Change, info *remote.ChangeInfo) {
	c.Project = info.Project
	c.Branch = info.Branch
	c.Subject = info.Subject
	c.Status = info.Status
	c.CurrentRevision = info.CurrentRevision
}

// PullFiles caches the files of the current patch set of change.
func (im *Importer) PullFiles(ctx context.Context, client remote.Client, change *model.Change) error {
	ps, ok := change.CurrentPatchSet()
	if !ok {
		return fmt.Errorf("change %s has no current patch set", change.ID)
	}
	infos, err := client.ListFiles(ctx, change.RemoteID, ps.Revision)
	if err != nil {
		return RemoteFailure(err)
	}
	files := make([]model.File, 0, len(infos))
	for _, fi := range infos {
		files = append(files, model.File{
			Path:          fi.Path,
			OldPath:       fi.OldPath,
			ChangeType:    fi.ChangeType,
			LinesInserted: fi.LinesInserted,
			LinesDeleted:  fi.LinesDeleted,
			Binary:        fi.Binary,
		})
	}
	return im.store.PutFiles(ctx, change.ID, ps.Number, files)
}

// MergeComments stores remote comments the cache does not know yet as
// synced and refreshes synced copies the server has since updated. Comments
// carrying local edits are left alone. It returns how many comments were
// inserted or refreshed.
func (im *Importer) MergeComments(ctx context.Context, changeID string, infos []remote.CommentInfo) (int, error) {
	var n int
	err := im.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		n, err = MergeComments(ctx, tx, changeID, infos, nil)
		return err
	})
	return n, err
}

// MergeComments is the transactional body of Importer.MergeComments. skip,
// if set, is consulted for comments that already exist locally and returns
// true for those the caller handles itself.
func MergeComments(ctx context.Context, tx *store.Store, changeID string, infos []remote.CommentInfo, skip func(model.Comment, remote.CommentInfo) bool) (int, error) {
	ordered := append([]remote.CommentInfo(nil), infos...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	n := 0
	// Replies may arrive before their parents; keep passing until no
	// progress is made.
	for len(ordered) > 0 {
		var deferred []remote.CommentInfo
		for _, rc := range ordered {
			done, changed, err := mergeOne(ctx, tx, changeID, rc, skip)
			if err != nil {
				return n, err
			}
			if !done {
				deferred = append(deferred, rc)
				continue
			}
			if changed {
				n++
			}
		}
		if len(deferred) == len(ordered) {
			// orphans: keep them without a parent
			for _, rc := range deferred {
				rc.InReplyTo = ""
				_, changed, err := mergeOne(ctx, tx, changeID, rc, skip)
				if err != nil {
					return n, err
				}
				if changed {
					n++
				}
			}
			break
		}
		ordered = deferred
	}
	return n, nil
}

func mergeOne(ctx context.Context, tx *store.Store, changeID string, rc remote.CommentInfo, skip func(model.Comment, remote.CommentInfo) bool) (done, changed bool, err error) {
	local, err := tx.GetCommentByRemoteID(ctx, changeID, rc.ID)
	switch {
	case err == nil:
		if skip != nil && skip(local, rc) {
			return true, false, nil
		}
		if local.SyncStatus != model.SyncSynced || local.Deleted {
			return true, false, nil
		}
		if local.RemoteUpdatedAt != nil && !rc.UpdatedAt.After(*local.RemoteUpdatedAt) {
			return true, false, nil
		}
		local.Message = rc.Message
		local.BaseMessage = rc.Message
		local.RemoteMessage = rc.Message
		local.Unresolved = rc.Unresolved
		t := rc.UpdatedAt
		local.RemoteUpdatedAt = &t
		local.EditedAt = t
		if err := tx.UpdateComment(ctx, local); err != nil {
			return false, false, err
		}
		return true, true, nil
	case !errors.Is(err, model.ErrNotFound):
		return false, false, err
	}

	var parentID string
	if rc.InReplyTo != "" {
		parent, err := tx.GetCommentByRemoteID(ctx, changeID, rc.InReplyTo)
		if errors.Is(err, model.ErrNotFound) {
			return false, false, nil
		}
		if err != nil {
			return false, false, err
		}
		parentID = parent.ID
	}
	c := CommentFromRemote(changeID, rc)
	c.ParentID = parentID
	if err := tx.CreateComment(ctx, c); err != nil {
		return false, false, err
	}
	return true, true, nil
}

// CommentFromRemote builds a synced local comment mirroring rc.
func CommentFromRemote(changeID string, rc remote.CommentInfo) model.Comment {
	t := rc.UpdatedAt
	return model.Comment{
		ID:              uuid.NewString(),
		RemoteID:        rc.ID,
		ChangeID:        changeID,
		FilePath:        rc.Path,
		PatchSetNumber:  rc.PatchSet,
		Line:            rc.Line,
		Range:           rc.Range,
		Message:         rc.Message,
		Author:          rc.Author,
		CreatedAt:       rc.CreatedAt,
		UpdatedAt:       rc.UpdatedAt,
		EditedAt:        rc.UpdatedAt,
		SyncStatus:      model.SyncSynced,
		Unresolved:      rc.Unresolved,
		BaseMessage:     rc.Message,
		RemoteMessage:   rc.Message,
		RemoteUpdatedAt: &t,
		EverSynced:      true,
	}
}

// QueueRefresh schedules a pull of changeID for the next sync.
func (im *Importer) QueueRefresh(ctx context.Context, changeID string) (model.Operation, error) {
	c, err := im.store.GetChange(ctx, changeID)
	if err != nil {
		return model.Operation{}, err
	}
	op, err := queue.NewOperation(c.InstanceID, c.ID, model.OpPullChange, c.ID,
		model.PullPayload{IncludeFiles: true, IncludeComments: true})
	if err != nil {
		return model.Operation{}, err
	}
	return im.queue.Enqueue(ctx, op)
}

// RemoteFailure maps a remote error onto the importer's sentinel errors,
// keeping the original error in the chain.
func RemoteFailure(err error) error {
	switch model.CategoryOf(err) {
	case "":
		return err
	case model.CategoryNotFound:
		return fmt.Errorf("%w: %w", model.ErrChangeNotFound, err)
	case model.CategoryAuthentication, model.CategoryPermission:
		return fmt.Errorf("%w: %w", model.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", model.ErrRemoteUnavailable, err)
}
