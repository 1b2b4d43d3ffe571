package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shurcooL/githubv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnr/craftsync/internal/model"
)

func TestParsePRID(t *testing.T) {
	owner, repo, n, err := parsePRID("dnr/craft#42")
	require.NoError(t, err)
	assert.Equal(t, "dnr", owner)
	assert.Equal(t, "craft", repo)
	assert.Equal(t, 42, n)

	for _, bad := range []string{"", "craft#1", "dnr/craft", "dnr/craft#x", "/craft#1", "dnr/#1"} {
		_, _, _, err := parsePRID(bad)
		assert.True(t, model.IsValidation(err), bad)
	}
}

func TestReviewEvent(t *testing.T) {
	assert.Equal(t, githubv4.PullRequestReviewEventComment, reviewEvent(nil))
	assert.Equal(t, githubv4.PullRequestReviewEventComment, reviewEvent(map[string]int{"Code-Review": 0}))
	assert.Equal(t, githubv4.PullRequestReviewEventApprove, reviewEvent(map[string]int{"Code-Review": 2}))
	assert.Equal(t, githubv4.PullRequestReviewEventRequestChanges, reviewEvent(map[string]int{"Code-Review": 2, "Verified": -1}))
}

func TestGitHubFetchChange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql", r.URL.Path)
		assert.Equal(t, "Bearer gh-token", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		require.True(t, strings.Contains(req.Query, "pullRequest(number: $number)"))
		assert.Equal(t, "dnr", req.Variables["owner"])
		io.WriteString(w, `{"data":{"repository":{"pullRequest":{
			"id":"PR_1","title":"Add sync","state":"MERGED","baseRefName":"main","headRefOid":"c2",
			"commits":{"nodes":[
				{"commit":{"oid":"c1","committedDate":"2024-05-01T10:00:00Z","author":{"name":"Alice"}}},
				{"commit":{"oid":"c2","committedDate":"2024-05-02T10:00:00Z","author":{"name":"Alice"}}}
			]}}}}}`)
	}))
	defer server.Close()

	c, err := NewGitHub(server.URL, "gh-token", WithHTTPClient(server.Client()))
	require.NoError(t, err)

	info, err := c.FetchChange(context.Background(), "dnr/craft#7")
	require.NoError(t, err)
	assert.Equal(t, model.ChangeStatusMerged, info.Status)
	assert.Equal(t, "dnr/craft", info.Project)
	assert.Equal(t, "c2", info.CurrentRevision)
	require.Len(t, info.PatchSets, 2)
	assert.Equal(t, 2, info.PatchSets[1].Number)
	assert.Equal(t, "c1", info.PatchSets[0].Revision)

	ref, err := c.pr(context.Background(), "dnr/craft#7")
	require.NoError(t, err)
	assert.Equal(t, "PR_1", ref.nodeID)
	assert.Equal(t, 2, ref.commits["c2"])
}

func TestGitHubErrorsAreClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"message":"Bad credentials"}`)
	}))
	defer server.Close()

	c, err := NewGitHub(server.URL, "bad", WithHTTPClient(server.Client()))
	require.NoError(t, err)
	_, err = c.ServerVersion(context.Background())
	assert.Equal(t, model.CategoryAuthentication, model.CategoryOf(err))
}
