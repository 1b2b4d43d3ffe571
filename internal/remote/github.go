package remote

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/shurcooL/githubv4"

	"github.com/dnr/craftsync/internal/model"
)

// GitHubClient maps pull requests onto the review model: a pull request is a
// change, each commit a patch set and each review thread comment a comment.
// Change ids have the form "owner/repo#number".
type GitHubClient struct {
	client *githubv4.Client
	logger *slog.Logger

	mu      sync.Mutex
	prNodes map[string]prRef
}

type prRef struct {
	nodeID  githubv4.ID
	headOID string
	commits map[string]int
}

// NewGitHub creates a GitHub GraphQL backend. An empty or api.github.com
// baseURL talks to github.com; anything else is treated as an Enterprise
// server root.
func NewGitHub(baseURL, token string, opts ...Option) (*GitHubClient, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	hc := authedClient(cfg, token)
	var client *githubv4.Client
	base := strings.TrimSuffix(baseURL, "/")
	if base == "" || base == "https://api.github.com" {
		client = githubv4.NewClient(hc)
	} else {
		client = githubv4.NewEnterpriseClient(base+"/graphql", hc)
	}
	return &GitHubClient{client: client, logger: cfg.logger, prNodes: make(map[string]prRef)}, nil
}

func parsePRID(changeID string) (owner, repo string, number int, err error) {
	slash := strings.Index(changeID, "/")
	hash := strings.LastIndex(changeID, "#")
	if slash <= 0 || hash <= slash+1 {
		return "", "", 0, model.Invalid("change id", "%q is not owner/repo#number", changeID)
	}
	number, err = strconv.Atoi(changeID[hash+1:])
	if err != nil || number <= 0 {
		return "", "", 0, model.Invalid("change id", "%q has no pull request number", changeID)
	}
	return changeID[:slash], changeID[slash+1 : hash], number, nil
}

func (c *GitHubClient) ServerVersion(ctx context.Context) (string, error) {
	var q struct {
		Viewer struct {
			Login githubv4.String
		}
	}
	if err := c.client.Query(ctx, &q, nil); err != nil {
		return "", classifyMessage("get server version", err)
	}
	return "github", nil
}

func (c *GitHubClient) FetchChange(ctx context.Context, changeID string) (*ChangeInfo, error) {
	owner, repo, number, err := parsePRID(changeID)
	if err != nil {
		return nil, err
	}
	var q struct {
		Repository struct {
			PullRequest struct {
				ID          githubv4.ID
				Title       githubv4.String
				State       githubv4.String
				BaseRefName githubv4.String
				HeadRefOid  githubv4.GitObjectID
				Commits     struct {
					Nodes []struct {
						Commit struct {
							Oid           githubv4.GitObjectID
							CommittedDate githubv4.DateTime
							Author        struct {
								Name githubv4.String
							}
						}
					}
				} `graphql:"commits(first: 100)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := c.client.Query(ctx, &q, vars); err != nil {
		return nil, classifyMessage("fetch change", err)
	}

	pr := q.Repository.PullRequest
	info := &ChangeInfo{
		ID:              changeID,
		Project:         owner + "/" + repo,
		Branch:          string(pr.BaseRefName),
		Subject:         string(pr.Title),
		CurrentRevision: string(pr.HeadRefOid),
	}
	switch string(pr.State) {
	case "MERGED":
		info.Status = model.ChangeStatusMerged
	case "CLOSED":
		info.Status = model.ChangeStatusAbandoned
	default:
		info.Status = model.ChangeStatusNew
	}

	ref := prRef{nodeID: pr.ID, headOID: string(pr.HeadRefOid), commits: make(map[string]int)}
	for i, n := range pr.Commits.Nodes {
		oid := string(n.Commit.Oid)
		ref.commits[oid] = i + 1
		info.PatchSets = append(info.PatchSets, PatchSetInfo{
			Number:    i + 1,
			Revision:  oid,
			Author:    string(n.Commit.Author.Name),
			CreatedAt: n.Commit.CommittedDate.Time,
		})
	}
	c.mu.Lock()
	c.prNodes[changeID] = ref
	c.mu.Unlock()
	return info, nil
}

// pr returns the cached node id and commit numbering of a pull request,
// fetching it on first use.
func (c *GitHubClient) pr(ctx context.Context, changeID string) (prRef, error) {
	c.mu.Lock()
	ref, ok := c.prNodes[changeID]
	c.mu.Unlock()
	if ok {
		return ref, nil
	}
	if _, err := c.FetchChange(ctx, changeID); err != nil {
		return prRef{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prNodes[changeID], nil
}

func (c *GitHubClient) ListFiles(ctx context.Context, changeID, revision string) ([]FileInfo, error) {
	owner, repo, number, err := parsePRID(changeID)
	if err != nil {
		return nil, err
	}
	var q struct {
		Repository struct {
			PullRequest struct {
				Files struct {
					Nodes []struct {
						Path       githubv4.String
						Additions  githubv4.Int
						Deletions  githubv4.Int
						ChangeType githubv4.String
					}
				} `graphql:"files(first: 100)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := c.client.Query(ctx, &q, vars); err != nil {
		return nil, classifyMessage("list files", err)
	}
	out := make([]FileInfo, 0, len(q.Repository.PullRequest.Files.Nodes))
	for _, f := range q.Repository.PullRequest.Files.Nodes {
		ct := model.FileModified
		switch string(f.ChangeType) {
		case "ADDED", "COPIED":
			ct = model.FileAdded
		case "DELETED":
			ct = model.FileDeleted
		case "RENAMED":
			ct = model.FileRenamed
		}
		out = append(out, FileInfo{
			Path:          string(f.Path),
			ChangeType:    ct,
			LinesInserted: int(f.Additions),
			LinesDeleted:  int(f.Deletions),
		})
	}
	return out, nil
}

func (c *GitHubClient) ListComments(ctx context.Context, changeID string) ([]CommentInfo, error) {
	owner, repo, number, err := parsePRID(changeID)
	if err != nil {
		return nil, err
	}
	ref, err := c.pr(ctx, changeID)
	if err != nil {
		return nil, err
	}
	var q struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes []struct {
						IsResolved githubv4.Boolean
						Path       githubv4.String
						Line       githubv4.Int
						StartLine  *githubv4.Int
						Comments   struct {
							Nodes []struct {
								ID             githubv4.ID
								Body           githubv4.String
								CreatedAt      githubv4.DateTime
								UpdatedAt      githubv4.DateTime
								OriginalCommit struct {
									Oid githubv4.GitObjectID
								}
								Author struct {
									Login githubv4.String
								}
								ReplyTo struct {
									ID githubv4.ID
								}
							}
						} `graphql:"comments(first: 100)"`
					}
				} `graphql:"reviewThreads(first: 100)"`
				Comments struct {
					Nodes []struct {
						ID        githubv4.ID
						Body      githubv4.String
						CreatedAt githubv4.DateTime
						UpdatedAt githubv4.DateTime
						Author    struct {
							Login githubv4.String
						}
					}
				} `graphql:"comments(first: 100)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]interface{}{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(number),
	}
	if err := c.client.Query(ctx, &q, vars); err != nil {
		return nil, classifyMessage("list comments", err)
	}

	current := len(ref.commits)
	out := make([]CommentInfo, 0)
	for _, t := range q.Repository.PullRequest.ReviewThreads.Nodes {
		for _, cm := range t.Comments.Nodes {
			ps, ok := ref.commits[string(cm.OriginalCommit.Oid)]
			if !ok {
				ps = current
			}
			info := CommentInfo{
				ID:         nodeID(cm.ID),
				Path:       string(t.Path),
				PatchSet:   ps,
				Line:       int(t.Line),
				Message:    string(cm.Body),
				Author:     string(cm.Author.Login),
				InReplyTo:  nodeID(cm.ReplyTo.ID),
				Unresolved: !bool(t.IsResolved),
				CreatedAt:  cm.CreatedAt.Time,
				UpdatedAt:  cm.UpdatedAt.Time,
			}
			if t.StartLine != nil {
				info.Range = &model.CommentRange{StartLine: int(*t.StartLine), EndLine: int(t.Line)}
			}
			out = append(out, info)
		}
	}
	for _, cm := range q.Repository.PullRequest.Comments.Nodes {
		out = append(out, CommentInfo{
			ID:        nodeID(cm.ID),
			PatchSet:  current,
			Message:   string(cm.Body),
			Author:    string(cm.Author.Login),
			CreatedAt: cm.CreatedAt.Time,
			UpdatedAt: cm.UpdatedAt.Time,
		})
	}
	return out, nil
}

func nodeID(id githubv4.ID) string {
	if id == nil {
		return ""
	}
	if s, ok := id.(string); ok {
		return s
	}
	return fmt.Sprint(id)
}

// isIssueComment reports whether a node id names a conversation comment
// rather than a review thread comment.
func isIssueComment(id string) bool {
	return strings.HasPrefix(id, "IC_")
}

// CreateComment adds the comment to the viewer's pending review on the pull
// request; it becomes visible to others when the review is submitted.
// Comments without a path are posted as conversation comments.
func (c *GitHubClient) CreateComment(ctx context.Context, changeID string, in CommentInput) (*CommentInfo, error) {
	ref, err := c.pr(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if in.Path == "" && in.InReplyTo == "" {
		return c.addConversationComment(ctx, ref, in)
	}
	commit := in.Revision
	if commit == "" {
		commit = ref.headOID
	}
	reviewID, err := c.getOrCreatePendingReview(ctx, ref.nodeID, commit)
	if err != nil {
		return nil, classifyMessage("create comment", err)
	}

	var id string
	if in.InReplyTo != "" {
		id, err = c.addReviewComment(ctx, reviewID, in.InReplyTo, in.Message)
	} else {
		id, err = c.addReviewThread(ctx, ref.nodeID, reviewID, in)
	}
	if err != nil {
		return nil, classifyMessage("create comment", err)
	}
	return &CommentInfo{
		ID:         id,
		Path:       in.Path,
		PatchSet:   in.PatchSet,
		Line:       in.Line,
		Range:      in.Range,
		Message:    in.Message,
		InReplyTo:  in.InReplyTo,
		Unresolved: in.Unresolved,
	}, nil
}

func (c *GitHubClient) addConversationComment(ctx context.Context, ref prRef, in CommentInput) (*CommentInfo, error) {
	var mutation struct {
		AddComment struct {
			CommentEdge struct {
				Node struct {
					ID        githubv4.ID
					CreatedAt githubv4.DateTime
					UpdatedAt githubv4.DateTime
				}
			}
		} `graphql:"addComment(input: $input)"`
	}
	input := githubv4.AddCommentInput{
		SubjectID: ref.nodeID,
		Body:      githubv4.String(in.Message),
	}
	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return nil, classifyMessage("create comment", err)
	}
	node := mutation.AddComment.CommentEdge.Node
	return &CommentInfo{
		ID:        nodeID(node.ID),
		PatchSet:  in.PatchSet,
		Message:   in.Message,
		CreatedAt: node.CreatedAt.Time,
		UpdatedAt: node.UpdatedAt.Time,
	}, nil
}

// addReviewThread starts a new thread in a pending review.
func (c *GitHubClient) addReviewThread(ctx context.Context, prNodeID, reviewID githubv4.ID, in CommentInput) (string, error) {
	var mutation struct {
		AddPullRequestReviewThread struct {
			Thread struct {
				Comments struct {
					Nodes []struct {
						ID githubv4.ID
					}
				} `graphql:"comments(first: 1)"`
			}
		} `graphql:"addPullRequestReviewThread(input: $input)"`
	}

	side := githubv4.DiffSideRight
	prID := prNodeID
	input := githubv4.AddPullRequestReviewThreadInput{
		PullRequestID:       &prID,
		PullRequestReviewID: &reviewID,
		Path:                githubv4.String(in.Path),
		Body:                githubv4.String(in.Message),
		Side:                &side,
	}
	line := in.Line
	if in.Range != nil {
		line = in.Range.EndLine
		if in.Range.StartLine > 0 && in.Range.StartLine < in.Range.EndLine {
			start := githubv4.Int(in.Range.StartLine)
			input.StartLine = &start
			input.StartSide = &side
		}
	}
	if line > 0 {
		lineVal := githubv4.Int(line)
		input.Line = &lineVal
	} else {
		st := githubv4.PullRequestReviewThreadSubjectType("FILE")
		input.SubjectType = &st
	}

	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return "", fmt.Errorf("addPullRequestReviewThread mutation failed: %w", err)
	}
	nodes := mutation.AddPullRequestReviewThread.Thread.Comments.Nodes
	if len(nodes) == 0 || nodes[0].ID == nil {
		return "", fmt.Errorf("addPullRequestReviewThread returned no comment")
	}
	return nodeID(nodes[0].ID), nil
}

// addReviewComment adds a reply to a pending review.
func (c *GitHubClient) addReviewComment(ctx context.Context, reviewID githubv4.ID, replyToNodeID, body string) (string, error) {
	var mutation struct {
		AddPullRequestReviewComment struct {
			Comment struct {
				ID githubv4.ID
			}
		} `graphql:"addPullRequestReviewComment(input: $input)"`
	}

	bodyVal := githubv4.String(body)
	replyToID := githubv4.ID(replyToNodeID)
	input := githubv4.AddPullRequestReviewCommentInput{
		PullRequestReviewID: &reviewID,
		Body:                &bodyVal,
		InReplyTo:           &replyToID,
	}
	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return "", fmt.Errorf("addPullRequestReviewComment mutation failed: %w", err)
	}
	return nodeID(mutation.AddPullRequestReviewComment.Comment.ID), nil
}

// getOrCreatePendingReview finds the viewer's pending review or starts one.
func (c *GitHubClient) getOrCreatePendingReview(ctx context.Context, prNodeID githubv4.ID, commitOID string) (githubv4.ID, error) {
	var query struct {
		Node struct {
			PullRequest struct {
				Reviews struct {
					Nodes []struct {
						ID githubv4.ID
					}
				} `graphql:"reviews(first: 1, states: PENDING)"`
			} `graphql:"... on PullRequest"`
		} `graphql:"node(id: $id)"`
	}
	if err := c.client.Query(ctx, &query, map[string]interface{}{"id": prNodeID}); err != nil {
		return nil, fmt.Errorf("checking for pending review: %w", err)
	}
	if len(query.Node.PullRequest.Reviews.Nodes) > 0 {
		return query.Node.PullRequest.Reviews.Nodes[0].ID, nil
	}

	var mutation struct {
		AddPullRequestReview struct {
			PullRequestReview struct {
				ID githubv4.ID
			}
		} `graphql:"addPullRequestReview(input: $input)"`
	}
	prID := prNodeID
	commit := githubv4.GitObjectID(commitOID)
	input := githubv4.AddPullRequestReviewInput{
		PullRequestID: &prID,
		CommitOID:     &commit,
	}
	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return nil, fmt.Errorf("starting review: %w", err)
	}
	return mutation.AddPullRequestReview.PullRequestReview.ID, nil
}

func (c *GitHubClient) UpdateComment(ctx context.Context, changeID, commentID string, in CommentInput) (*CommentInfo, error) {
	info := &CommentInfo{ID: commentID, Path: in.Path, PatchSet: in.PatchSet, Line: in.Line, Range: in.Range, Message: in.Message}
	if isIssueComment(commentID) {
		var mutation struct {
			UpdateIssueComment struct {
				IssueComment struct {
					UpdatedAt githubv4.DateTime
				}
			} `graphql:"updateIssueComment(input: $input)"`
		}
		input := githubv4.UpdateIssueCommentInput{ID: githubv4.ID(commentID), Body: githubv4.String(in.Message)}
		if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
			return nil, classifyMessage("update comment", err)
		}
		info.UpdatedAt = mutation.UpdateIssueComment.IssueComment.UpdatedAt.Time
		return info, nil
	}

	var mutation struct {
		UpdatePullRequestReviewComment struct {
			PullRequestReviewComment struct {
				UpdatedAt githubv4.DateTime
			}
		} `graphql:"updatePullRequestReviewComment(input: $input)"`
	}
	input := githubv4.UpdatePullRequestReviewCommentInput{
		PullRequestReviewCommentID: githubv4.ID(commentID),
		Body:                       githubv4.String(in.Message),
	}
	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return nil, classifyMessage("update comment", err)
	}
	info.UpdatedAt = mutation.UpdatePullRequestReviewComment.PullRequestReviewComment.UpdatedAt.Time
	return info, nil
}

func (c *GitHubClient) DeleteComment(ctx context.Context, changeID, commentID string) error {
	if isIssueComment(commentID) {
		var mutation struct {
			DeleteIssueComment struct {
				ClientMutationID *githubv4.String
			} `graphql:"deleteIssueComment(input: $input)"`
		}
		input := githubv4.DeleteIssueCommentInput{ID: githubv4.ID(commentID)}
		if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
			return classifyMessage("delete comment", err)
		}
		return nil
	}
	var mutation struct {
		DeletePullRequestReviewComment struct {
			ClientMutationID *githubv4.String
		} `graphql:"deletePullRequestReviewComment(input: $input)"`
	}
	input := githubv4.DeletePullRequestReviewCommentInput{ID: githubv4.ID(commentID)}
	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return classifyMessage("delete comment", err)
	}
	return nil
}

// reviewEvent picks the review event from the label scores: any negative
// score requests changes, otherwise any positive score approves.
func reviewEvent(labels map[string]int) githubv4.PullRequestReviewEvent {
	event := githubv4.PullRequestReviewEventComment
	for _, v := range labels {
		if v < 0 {
			return githubv4.PullRequestReviewEventRequestChanges
		}
		if v > 0 {
			event = githubv4.PullRequestReviewEventApprove
		}
	}
	return event
}

// SubmitReview publishes the pending review, including every comment pushed
// to it since the last submission.
func (c *GitHubClient) SubmitReview(ctx context.Context, changeID, revision string, in ReviewInput) (*ReviewResult, error) {
	ref, err := c.pr(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if revision == "" {
		revision = ref.headOID
	}
	reviewID, err := c.getOrCreatePendingReview(ctx, ref.nodeID, revision)
	if err != nil {
		return nil, classifyMessage("submit review", err)
	}

	var mutation struct {
		SubmitPullRequestReview struct {
			PullRequestReview struct {
				ID githubv4.ID
			}
		} `graphql:"submitPullRequestReview(input: $input)"`
	}
	input := githubv4.SubmitPullRequestReviewInput{
		PullRequestReviewID: &reviewID,
		Event:               reviewEvent(in.Labels),
	}
	if in.Message != "" {
		body := githubv4.String(in.Message)
		input.Body = &body
	}
	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return nil, classifyMessage("submit review", err)
	}
	return &ReviewResult{Labels: in.Labels}, nil
}

func (c *GitHubClient) SetFileReviewed(ctx context.Context, changeID, revision, path string, reviewed bool) error {
	ref, err := c.pr(ctx, changeID)
	if err != nil {
		return err
	}
	if reviewed {
		var mutation struct {
			MarkFileAsViewed struct {
				ClientMutationID *githubv4.String
			} `graphql:"markFileAsViewed(input: $input)"`
		}
		input := githubv4.MarkFileAsViewedInput{PullRequestID: ref.nodeID, Path: githubv4.String(path)}
		if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
			return classifyMessage("set file reviewed", err)
		}
		return nil
	}
	var mutation struct {
		UnmarkFileAsViewed struct {
			ClientMutationID *githubv4.String
		} `graphql:"unmarkFileAsViewed(input: $input)"`
	}
	input := githubv4.UnmarkFileAsViewedInput{PullRequestID: ref.nodeID, Path: githubv4.String(path)}
	if err := c.client.Mutate(ctx, &mutation, input, nil); err != nil {
		return classifyMessage("set file reviewed", err)
	}
	return nil
}
