// Package model defines the entities shared by the offline review core:
// instances, changes with their patch sets and files, comments, reviews and
// queued operations.
package model

import "time"

// InstanceKind selects the remote backend used to talk to an instance.
type InstanceKind string

const (
	InstanceKindREST   InstanceKind = "rest"
	InstanceKindGitHub InstanceKind = "github"
)

// ConnectionStatus is the last known reachability of an instance.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionAuthFailed   ConnectionStatus = "auth_failed"
	ConnectionIncompatible ConnectionStatus = "incompatible"
	ConnectionNetworkError ConnectionStatus = "network_error"
)

// Instance is a configured review server.
type Instance struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Kind             InstanceKind     `json:"kind"`
	BaseURL          string           `json:"baseUrl"`
	CredentialRef    string           `json:"credentialRef"` // vault key, usually the instance id
	ServerVersion    string           `json:"serverVersion,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus"`
	Active           bool             `json:"active"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// ChangeStatus mirrors the remote state of a changeset.
type ChangeStatus string

const (
	ChangeStatusNew       ChangeStatus = "new"
	ChangeStatusMerged    ChangeStatus = "merged"
	ChangeStatusAbandoned ChangeStatus = "abandoned"
)

// ImportStatus tracks how far an import got.
type ImportStatus string

const (
	ImportPending   ImportStatus = "pending"
	ImportImporting ImportStatus = "importing"
	ImportImported  ImportStatus = "imported"
	ImportFailed    ImportStatus = "failed"
	ImportOutdated  ImportStatus = "outdated"
)

// ConflictStatus summarizes unresolved divergence on a change.
type ConflictStatus string

const (
	ConflictNone                     ConflictStatus = "none"
	ConflictCommentsPending          ConflictStatus = "comments_pending"
	ConflictPatchSetUpdated          ConflictStatus = "patch_set_updated"
	ConflictManualResolutionRequired ConflictStatus = "manual_resolution_required"
)

// Change is the local cache of one remote changeset.
type Change struct {
	ID              string         `json:"id"`
	InstanceID      string         `json:"instanceId"`
	RemoteID        string         `json:"remoteId"`
	Project         string         `json:"project"`
	Branch          string         `json:"branch"`
	Subject         string         `json:"subject"`
	Status          ChangeStatus   `json:"status"`
	CurrentRevision string         `json:"currentRevision"`
	PatchSets       []PatchSet     `json:"patchSets,omitempty"`
	Files           []File         `json:"files,omitempty"`
	ImportStatus    ImportStatus   `json:"importStatus"`
	ConflictStatus  ConflictStatus `json:"conflictStatus"`
	LastSyncedAt    *time.Time     `json:"lastSyncedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// CurrentPatchSet returns the patch set flagged as current.
func (c *Change) CurrentPatchSet() (PatchSet, bool) {
	for _, ps := range c.PatchSets {
		if ps.IsCurrent {
			return ps, true
		}
	}
	return PatchSet{}, false
}

// PatchSet is an immutable revision of a change.
type PatchSet struct {
	ID        string    `json:"id"`
	ChangeID  string    `json:"changeId"`
	Number    int       `json:"number"`
	Revision  string    `json:"revision"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
	IsCurrent bool      `json:"isCurrent"`
}

// FileChangeType describes what a patch set did to a path.
type FileChangeType string

const (
	FileAdded    FileChangeType = "added"
	FileModified FileChangeType = "modified"
	FileDeleted  FileChangeType = "deleted"
	FileRenamed  FileChangeType = "renamed"
)

// FileReviewStatus is the reviewer's local verdict on a file.
type FileReviewStatus string

const (
	FileUnreviewed FileReviewStatus = "unreviewed"
	FilePending    FileReviewStatus = "pending"
	FileReviewed   FileReviewStatus = "reviewed"
	FileApproved   FileReviewStatus = "approved"
	FileNeedsWork  FileReviewStatus = "needs_work"
)

// File belongs to a change and patch set pair.
type File struct {
	ID             string           `json:"id"`
	ChangeID       string           `json:"changeId"`
	PatchSetNumber int              `json:"patchSetNumber"`
	Path           string           `json:"path"`
	OldPath        string           `json:"oldPath,omitempty"`
	ChangeType     FileChangeType   `json:"changeType"`
	LinesInserted  int              `json:"linesInserted"`
	LinesDeleted   int              `json:"linesDeleted"`
	Binary         bool             `json:"binary"`
	ReviewStatus   FileReviewStatus `json:"reviewStatus"`
}

// SyncStatus is the lifecycle of a comment relative to the server.
type SyncStatus string

const (
	SyncLocalOnly        SyncStatus = "local_only"
	SyncPending          SyncStatus = "sync_pending"
	SyncSynced           SyncStatus = "synced"
	SyncFailed           SyncStatus = "sync_failed"
	SyncConflictDetected SyncStatus = "conflict_detected"
	SyncModifiedLocally  SyncStatus = "modified_locally"
)

// ConflictReason records why a comment entered conflict_detected.
type ConflictReason string

const (
	ConflictReasonNone          ConflictReason = ""
	ConflictReasonRemoteEdited  ConflictReason = "remote_edited"
	ConflictReasonRemoteDeleted ConflictReason = "remote_deleted"
)

// CommentRange is a character range, used instead of Line when set.
type CommentRange struct {
	StartLine int `json:"startLine"`
	StartChar int `json:"startChar"`
	EndLine   int `json:"endLine"`
	EndChar   int `json:"endChar"`
}

// Comment is a review comment, either authored locally or pulled from the server.
type Comment struct {
	ID             string        `json:"id"`
	RemoteID       string        `json:"remoteId,omitempty"`
	ChangeID       string        `json:"changeId"`
	FilePath       string        `json:"filePath"` // empty for change-level comments
	PatchSetNumber int           `json:"patchSetNumber"`
	Line           int           `json:"line,omitempty"`
	Range          *CommentRange `json:"range,omitempty"`
	Message        string        `json:"message"`
	Author         string        `json:"author"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	// EditedAt is the last change to the text or resolved flag. Sync
	// bookkeeping moves UpdatedAt but never EditedAt.
	EditedAt       time.Time     `json:"editedAt"`
	SyncStatus     SyncStatus    `json:"syncStatus"`
	ParentID       string        `json:"parentId,omitempty"`
	Unresolved     bool          `json:"unresolved"`

	// Sync bookkeeping
	BaseMessage     string         `json:"baseMessage,omitempty"`   // text at last successful sync
	RemoteMessage   string         `json:"remoteMessage,omitempty"` // last observed remote text
	RemoteUpdatedAt *time.Time     `json:"remoteUpdatedAt,omitempty"`
	ConflictReason  ConflictReason `json:"conflictReason,omitempty"`
	EverSynced      bool           `json:"everSynced"`
	Deleted         bool           `json:"deleted,omitempty"` // tombstone awaiting remote delete
}

// NeedsPush reports whether the comment carries local work the server has not seen.
func (c *Comment) NeedsPush() bool {
	switch c.SyncStatus {
	case SyncLocalOnly, SyncPending, SyncModifiedLocally, SyncFailed:
		return true
	}
	return c.Deleted
}

// ReviewStatus is the lifecycle of a review submission.
type ReviewStatus string

const (
	ReviewDraft              ReviewStatus = "draft"
	ReviewPendingSubmission  ReviewStatus = "pending_submission"
	ReviewSubmitted          ReviewStatus = "submitted"
	ReviewSubmissionFailed   ReviewStatus = "submission_failed"
	ReviewPartiallySubmitted ReviewStatus = "partially_submitted"
)

// Review is a scored submission covering a set of comments.
type Review struct {
	ID             string         `json:"id"`
	ChangeID       string         `json:"changeId"`
	PatchSetNumber int            `json:"patchSetNumber"`
	Message        string         `json:"message"`
	Labels         map[string]int `json:"labels"`
	CommentIDs     []string       `json:"commentIds"`
	Status         ReviewStatus   `json:"status"`
	LastError      string         `json:"lastError,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	SubmittedAt    *time.Time     `json:"submittedAt,omitempty"`
}

// ConflictRecord is an audit entry for a detected conflict.
type ConflictRecord struct {
	ID              string         `json:"id"`
	ChangeID        string         `json:"changeId"`
	CommentID       string         `json:"commentId"`
	Reason          ConflictReason `json:"reason"`
	Strategy        string         `json:"strategy"`
	Outcome         string         `json:"outcome"`
	LocalUpdatedAt  time.Time      `json:"localUpdatedAt"`
	RemoteUpdatedAt *time.Time     `json:"remoteUpdatedAt,omitempty"`
	DetectedAt      time.Time      `json:"detectedAt"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
}

// ChangeSyncStatus is the per-change part of StatusReport.
type ChangeSyncStatus struct {
	ChangeID         string         `json:"changeId"`
	RemoteID         string         `json:"remoteId"`
	ImportStatus     ImportStatus   `json:"importStatus"`
	ConflictStatus   ConflictStatus `json:"conflictStatus"`
	PendingComments  int            `json:"pendingComments"`
	FailedComments   int            `json:"failedComments"`
	ConflictComments int            `json:"conflictComments"`
	PendingReviews   int            `json:"pendingReviews"`
	LastSyncedAt     *time.Time     `json:"lastSyncedAt,omitempty"`
}

// StatusReport answers "what still needs to reach the server" for an instance.
type StatusReport struct {
	InstanceID        string             `json:"instanceId"`
	InProgress        bool               `json:"inProgress"`
	PendingComments   int                `json:"pendingComments"`
	FailedComments    int                `json:"failedComments"`
	ConflictComments  int                `json:"conflictComments"`
	PendingOperations int                `json:"pendingOperations"`
	FailedOperations  int                `json:"failedOperations"`
	Changes           []ChangeSyncStatus `json:"changes"`
}
