package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityOrder(t *testing.T) {
	order := []OperationType{OpSubmitReview, OpPushComment, OpPushLocal, OpPullChange, OpCleanupCredentials}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i-1].Priority(), order[i].Priority(), "%s before %s", order[i-1], order[i])
	}
	assert.False(t, OperationType("bogus").Valid())
	assert.True(t, OpPushLocal.Valid())
}

func TestTerminal(t *testing.T) {
	assert.False(t, OpStatusPending.Terminal())
	assert.False(t, OpStatusInProgress.Terminal())
	assert.True(t, OpStatusCompleted.Terminal())
	assert.True(t, OpStatusFailed.Terminal())
	assert.True(t, OpStatusCancelled.Terminal())
}

func TestNeedsPush(t *testing.T) {
	tests := []struct {
		status  SyncStatus
		deleted bool
		want    bool
	}{
		{SyncLocalOnly, false, true},
		{SyncPending, false, true},
		{SyncModifiedLocally, false, true},
		{SyncFailed, false, true},
		{SyncSynced, false, false},
		{SyncConflictDetected, false, false},
		{SyncSynced, true, true},
	}
	for _, tt := range tests {
		c := Comment{SyncStatus: tt.status, Deleted: tt.deleted}
		assert.Equal(t, tt.want, c.NeedsPush(), "%s deleted=%v", tt.status, tt.deleted)
	}
}

func TestDecodePayload(t *testing.T) {
	var op Operation
	p := PullPayload{IncludeFiles: true}
	require.NoError(t, op.DecodePayload(&p))
	assert.True(t, p.IncludeFiles, "empty payload leaves the value alone")

	op.Payload = json.RawMessage(`{"action":"delete","force":true}`)
	var cp CommentPayload
	require.NoError(t, op.DecodePayload(&cp))
	assert.Equal(t, CommentPayload{Action: CommentActionDelete, Force: true}, cp)

	op.Payload = json.RawMessage(`{"action":`)
	assert.Error(t, op.DecodePayload(&cp))
}

func TestRemoteErrorClassification(t *testing.T) {
	base := &RemoteError{Category: CategoryRateLimit, Operation: "list comments", StatusCode: 429, Message: "slow down"}
	wrapped := fmt.Errorf("pulling 123: %w", base)

	assert.Equal(t, CategoryRateLimit, CategoryOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, "list comments: RATE_LIMIT (HTTP 429): slow down", base.Error())

	perm := &RemoteError{Category: CategoryPermission, Operation: "submit review", Err: errors.New("forbidden")}
	assert.False(t, IsRetryable(perm))
	assert.Equal(t, "submit review: PERMISSION: forbidden", perm.Error())

	assert.Equal(t, Category(""), CategoryOf(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("creating comment: %w", Invalid("line", "must be positive, got %d", -1))
	assert.True(t, IsValidation(err))
	assert.EqualError(t, err, "creating comment: invalid line: must be positive, got -1")
	assert.False(t, IsValidation(ErrNotFound))
}
