package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnr/craftsync/internal/model"
)

func newTestHTTP(t *testing.T, h http.HandlerFunc, opts ...Option) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	opts = append([]Option{WithHTTPClient(server.Client())}, opts...)
	c, err := NewHTTP(server.URL, "secret-token", opts...)
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestFetchChange(t *testing.T) {
	c := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/changes/12345", r.URL.Path)
		io.WriteString(w, xssiPrefix+`
{"id":"demo~main~I1","project":"demo","branch":"main","subject":"Fix it","status":"NEW",
 "current_revision":"bbb",
 "revisions":{
  "bbb":{"_number":2,"created":"2024-05-02 10:00:00.000000000","uploader":{"username":"alice"}},
  "aaa":{"_number":1,"created":"2024-05-01 10:00:00.000000000","uploader":{"name":"Alice"}}
 }}`)
	})

	got, err := c.FetchChange(context.Background(), "12345")
	require.NoError(t, err)

	want := &ChangeInfo{
		ID: "12345", Project: "demo", Branch: "main", Subject: "Fix it",
		Status: model.ChangeStatusNew, CurrentRevision: "bbb",
		PatchSets: []PatchSetInfo{
			{Number: 1, Revision: "aaa", Author: "Alice", CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
			{Number: 2, Revision: "bbb", Author: "alice", CreatedAt: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchChange mismatch (-want +got):\n%s", diff)
	}
}

func TestListFiles(t *testing.T) {
	c := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/changes/12345/revisions/bbb/files", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]fileJSON{
			"/COMMIT_MSG": {Status: "A", LinesInserted: 10},
			"b.go":        {LinesInserted: 3, LinesDeleted: 1},
			"a.go":        {Status: "A", LinesInserted: 20},
			"img.png":     {Status: "R", OldPath: "old.png", Binary: true},
		})
	})

	files, err := c.ListFiles(context.Background(), "12345", "bbb")
	require.NoError(t, err)
	assert.Equal(t, []FileInfo{
		{Path: "a.go", ChangeType: model.FileAdded, LinesInserted: 20},
		{Path: "b.go", ChangeType: model.FileModified, LinesInserted: 3, LinesDeleted: 1},
		{Path: "img.png", OldPath: "old.png", ChangeType: model.FileRenamed, Binary: true},
	}, files)
}

func TestCreateCommentSendsBody(t *testing.T) {
	c := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body commentJSON
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, PatchSetLevel, body.Path)
		assert.Equal(t, "hello", body.Message)
		body.ID = "r1"
		body.Updated = &gerritTime{time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)}
		json.NewEncoder(w).Encode(body)
	})

	got, err := c.CreateComment(context.Background(), "12345", CommentInput{PatchSet: 2, Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, "", got.Path)
	assert.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), got.UpdatedAt)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		want   model.Category
	}{
		{http.StatusUnauthorized, model.CategoryAuthentication},
		{http.StatusForbidden, model.CategoryPermission},
		{http.StatusNotFound, model.CategoryNotFound},
		{http.StatusConflict, model.CategoryConflict},
		{http.StatusPreconditionFailed, model.CategoryConflict},
		{http.StatusBadRequest, model.CategoryValidation},
		{http.StatusUnprocessableEntity, model.CategoryValidation},
		{http.StatusBadGateway, model.CategoryNetwork},
		{http.StatusServiceUnavailable, model.CategoryNetwork},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, `{"message":"nope"}`)
			})
			err := c.DeleteComment(context.Background(), "1", "2")
			var re *model.RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tc.want, re.Category)
			assert.Equal(t, tc.status, re.StatusCode)
			assert.Equal(t, "nope", re.Message)
		})
	}
}

func TestTransportFailureIsNetwork(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	c, err := NewHTTP(url, "")
	require.NoError(t, err)
	_, err = c.ServerVersion(context.Background())
	assert.Equal(t, model.CategoryNetwork, model.CategoryOf(err))
	assert.True(t, model.IsRetryable(err))
}

func TestRateLimitRetriesInPlace(t *testing.T) {
	var calls atomic.Int32
	c := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `"3.9.1"`)
	})

	v, err := c.ServerVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3.9.1", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitGivesUp(t *testing.T) {
	c := newTestHTTP(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}, WithRateLimit(3, 10*time.Second))

	_, err := c.ServerVersion(context.Background())
	var re *model.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, model.CategoryRateLimit, re.Category)
	assert.Equal(t, 120*time.Second, re.RetryAfter)
	assert.True(t, re.Retryable())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Second, parseRetryAfter("5", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now))
}

func TestClassifyMessage(t *testing.T) {
	cases := map[string]model.Category{
		"non-200 OK status code: 401 Unauthorized body: ...":            model.CategoryAuthentication,
		"API rate limit exceeded for user":                              model.CategoryRateLimit,
		"Resource not accessible by integration":                        model.CategoryPermission,
		"Could not resolve to a PullRequest with the number of 99.":     model.CategoryNotFound,
		"non-200 OK status code: 502 Bad Gateway body: ...":             model.CategoryNetwork,
		"Variable $input of type AddCommentInput! was provided invalid": model.CategoryValidation,
	}
	for msg, want := range cases {
		err := classifyMessage("op", assertErr(msg))
		assert.Equal(t, want, err.Category, msg)
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
