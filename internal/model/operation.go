package model

import (
	"encoding/json"
	"time"
)

// OperationType names a unit of pending network work.
type OperationType string

const (
	OpPushComment        OperationType = "push_comment"
	OpSubmitReview       OperationType = "submit_review"
	OpPullChange         OperationType = "pull_change"
	OpPushLocal          OperationType = "push_local"
	OpCleanupCredentials OperationType = "cleanup_credentials"
)

// Priority orders operation types; higher drains first.
func (t OperationType) Priority() int {
	switch t {
	case OpSubmitReview:
		return 40
	case OpPushComment:
		return 30
	case OpPushLocal:
		return 20
	case OpPullChange:
		return 10
	case OpCleanupCredentials:
		return 5
	}
	return 0
}

// Valid reports whether t is a known operation type.
func (t OperationType) Valid() bool {
	return t.Priority() > 0
}

// OperationStatus is the queue state of an operation.
type OperationStatus string

const (
	OpStatusPending    OperationStatus = "pending"
	OpStatusInProgress OperationStatus = "in_progress"
	OpStatusCompleted  OperationStatus = "completed"
	OpStatusFailed     OperationStatus = "failed"
	OpStatusCancelled  OperationStatus = "cancelled"
)

// Terminal reports whether no further automatic processing will happen.
func (s OperationStatus) Terminal() bool {
	return s == OpStatusCompleted || s == OpStatusFailed || s == OpStatusCancelled
}

// Operation is a durable queue entry.
type Operation struct {
	ID            string          `json:"id"`
	InstanceID    string          `json:"instanceId"`
	ChangeID      string          `json:"changeId,omitempty"`
	Type          OperationType   `json:"type"`
	TargetID      string          `json:"targetId"`
	Priority      int             `json:"priority"`
	Status        OperationStatus `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
}

// CommentAction distinguishes the remote effect of a push_comment operation.
type CommentAction string

const (
	CommentActionUpsert CommentAction = "upsert"
	CommentActionDelete CommentAction = "delete"
)

// CommentPayload is the payload of a push_comment operation.
type CommentPayload struct {
	Action CommentAction `json:"action"`
	// Force overwrites the remote copy even if it changed since the last sync.
	// Set when a conflict was resolved in favour of the local text.
	Force bool `json:"force,omitempty"`
}

// FilePayload is the payload of a push_local operation.
type FilePayload struct {
	Path           string           `json:"path"`
	PatchSetNumber int              `json:"patchSetNumber"`
	ReviewStatus   FileReviewStatus `json:"reviewStatus"`
}

// PullPayload is the payload of a pull_change operation.
type PullPayload struct {
	IncludeFiles    bool `json:"includeFiles"`
	IncludeComments bool `json:"includeComments"`
}

// DecodePayload unmarshals an operation payload into v. An empty payload
// leaves v untouched.
func (o *Operation) DecodePayload(v any) error {
	if len(o.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(o.Payload, v)
}
