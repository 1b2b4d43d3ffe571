package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/model"
)

// xssiPrefix guards JSON bodies on Gerrit-style servers.
const xssiPrefix = ")]}'"

// HTTPClient is the REST backend.
type HTTPClient struct {
	baseURL          string
	httpClient       *http.Client
	logger           *slog.Logger
	rateLimitRetries int
	maxWait          time.Duration
	sleep            func(ctx context.Context, d time.Duration) error
}

// Option configures a backend during construction.
type Option func(*clientConfig) error

type clientConfig struct {
	httpClient       *http.Client
	logger           *slog.Logger
	timeout          time.Duration
	rateLimitRetries int
	maxWait          time.Duration
}

// WithHTTPClient overrides the base HTTP client. The bearer transport wraps
// its Transport.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *clientConfig) error {
		cfg.httpClient = c
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *clientConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithTimeout sets a per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(cfg *clientConfig) error {
		cfg.timeout = d
		return nil
	}
}

// WithRateLimit sets how often a 429 response is retried in place and the
// longest wait honoured before giving up with a RATE_LIMIT error.
func WithRateLimit(retries int, maxWait time.Duration) Option {
	return func(cfg *clientConfig) error {
		if retries < 0 {
			return fmt.Errorf("rate limit retries must be >= 0, got %d", retries)
		}
		cfg.rateLimitRetries = retries
		cfg.maxWait = maxWait
		return nil
	}
}

func buildConfig(opts []Option) (*clientConfig, error) {
	cfg := &clientConfig{rateLimitRetries: 2, maxWait: 30 * time.Second}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.logger == nil {
		cfg.logger = logging.Discard()
	}
	return cfg, nil
}

// authedClient returns an HTTP client that sends token as a bearer
// credential on every request.
func authedClient(cfg *clientConfig, token string) *http.Client {
	base := cfg.httpClient
	if base == nil {
		base = &http.Client{}
	}
	cp := *base
	hc := &cp
	if token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	hc.Timeout = base.Timeout
	if cfg.timeout > 0 {
		hc.Timeout = cfg.timeout
	}
	return hc
}

// NewHTTP creates a REST backend for the server at baseURL.
func NewHTTP(baseURL, token string, opts ...Option) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, model.Invalid("base url", "must not be empty")
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		httpClient:       authedClient(cfg, token),
		logger:           cfg.logger,
		rateLimitRetries: cfg.rateLimitRetries,
		maxWait:          cfg.maxWait,
		sleep:            sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doJSON sends in as the JSON body and decodes the response into out.
// Rate limited requests are retried in place; every other failure is
// returned as a *model.RemoteError.
func (c *HTTPClient) doJSON(ctx context.Context, method, path, operation string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encode request: %w", operation, err)
		}
	}
	u := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return fmt.Errorf("%s: create request: %w", operation, err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.logger.DebugContext(ctx, "API request", "operation", operation, "method", method, "url", u)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return transportError(operation, err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return transportError(operation, err)
		}
		c.logger.DebugContext(ctx, "API response", "operation", operation, "status", resp.StatusCode)

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			if wait == 0 {
				wait = time.Second << attempt
			}
			if attempt >= c.rateLimitRetries || wait > c.maxWait {
				return statusError(operation, resp.StatusCode, errorMessage(respBody, resp.Status), wait)
			}
			c.logger.InfoContext(ctx, "rate limited, waiting", "operation", operation, "wait", wait)
			if err := c.sleep(ctx, wait); err != nil {
				return transportError(operation, err)
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return statusError(operation, resp.StatusCode, errorMessage(respBody, resp.Status), 0)
		}
		if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
			return nil
		}
		respBody = bytes.TrimPrefix(respBody, []byte(xssiPrefix))
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", operation, err)
		}
		return nil
	}
}

func errorMessage(body []byte, status string) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(bytes.TrimPrefix(body, []byte(xssiPrefix)), &e) == nil && e.Message != "" {
		return e.Message
	}
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return msg
	}
	return status
}

func changePath(changeID string) string {
	return "/changes/" + url.PathEscape(changeID)
}

func revisionPath(changeID, revision string) string {
	return changePath(changeID) + "/revisions/" + url.PathEscape(revision)
}

func (c *HTTPClient) ServerVersion(ctx context.Context) (string, error) {
	var v string
	if err := c.doJSON(ctx, http.MethodGet, "/config/server/version", "get server version", nil, &v); err != nil {
		return "", err
	}
	return v, nil
}

func (c *HTTPClient) FetchChange(ctx context.Context, changeID string) (*ChangeInfo, error) {
	var raw changeJSON
	if err := c.doJSON(ctx, http.MethodGet, changePath(changeID)+"?o=ALL_REVISIONS", "fetch change", nil, &raw); err != nil {
		return nil, err
	}
	info := &ChangeInfo{
		ID:              changeID,
		Project:         raw.Project,
		Branch:          raw.Branch,
		Subject:         raw.Subject,
		Status:          changeStatus(raw.Status),
		CurrentRevision: raw.CurrentRevision,
	}
	for rev, r := range raw.Revisions {
		info.PatchSets = append(info.PatchSets, PatchSetInfo{
			Number:    r.Number,
			Revision:  rev,
			Author:    r.Uploader.display(),
			CreatedAt: r.Created.Time,
		})
	}
	sort.Slice(info.PatchSets, func(i, j int) bool { return info.PatchSets[i].Number < info.PatchSets[j].Number })
	return info, nil
}

func (c *HTTPClient) ListFiles(ctx context.Context, changeID, revision string) ([]FileInfo, error) {
	var raw map[string]fileJSON
	if err := c.doJSON(ctx, http.MethodGet, revisionPath(changeID, revision)+"/files", "list files", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(raw))
	for path, f := range raw {
		if path == "/COMMIT_MSG" || path == "/MERGE_LIST" {
			continue
		}
		out = append(out, FileInfo{
			Path:          path,
			OldPath:       f.OldPath,
			ChangeType:    fileChangeType(f.Status),
			LinesInserted: f.LinesInserted,
			LinesDeleted:  f.LinesDeleted,
			Binary:        f.Binary,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (c *HTTPClient) ListComments(ctx context.Context, changeID string) ([]CommentInfo, error) {
	var raw map[string][]commentJSON
	if err := c.doJSON(ctx, http.MethodGet, changePath(changeID)+"/comments", "list comments", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]CommentInfo, 0)
	for path, cs := range raw {
		for _, cj := range cs {
			cj.Path = path
			out = append(out, cj.info())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (c *HTTPClient) CreateComment(ctx context.Context, changeID string, in CommentInput) (*CommentInfo, error) {
	var raw commentJSON
	if err := c.doJSON(ctx, http.MethodPost, changePath(changeID)+"/comments", "create comment", commentBody(in), &raw); err != nil {
		return nil, err
	}
	info := raw.info()
	return &info, nil
}

func (c *HTTPClient) UpdateComment(ctx context.Context, changeID, commentID string, in CommentInput) (*CommentInfo, error) {
	var raw commentJSON
	path := changePath(changeID) + "/comments/" + url.PathEscape(commentID)
	if err := c.doJSON(ctx, http.MethodPut, path, "update comment", commentBody(in), &raw); err != nil {
		return nil, err
	}
	info := raw.info()
	return &info, nil
}

func (c *HTTPClient) DeleteComment(ctx context.Context, changeID, commentID string) error {
	path := changePath(changeID) + "/comments/" + url.PathEscape(commentID)
	return c.doJSON(ctx, http.MethodDelete, path, "delete comment", nil, nil)
}

func (c *HTTPClient) SubmitReview(ctx context.Context, changeID, revision string, in ReviewInput) (*ReviewResult, error) {
	body := reviewJSON{Message: in.Message, Labels: in.Labels, CommentIDs: in.CommentIDs}
	var raw reviewResultJSON
	if err := c.doJSON(ctx, http.MethodPost, revisionPath(changeID, revision)+"/review", "submit review", body, &raw); err != nil {
		return nil, err
	}
	return &ReviewResult{Labels: raw.Labels, Dropped: raw.Dropped}, nil
}

func (c *HTTPClient) SetFileReviewed(ctx context.Context, changeID, revision, path string, reviewed bool) error {
	p := revisionPath(changeID, revision) + "/files/" + url.PathEscape(path) + "/reviewed"
	method := http.MethodPut
	if !reviewed {
		method = http.MethodDelete
	}
	return c.doJSON(ctx, method, p, "set file reviewed", nil, nil)
}

func changeStatus(s string) model.ChangeStatus {
	switch strings.ToUpper(s) {
	case "MERGED":
		return model.ChangeStatusMerged
	case "ABANDONED":
		return model.ChangeStatusAbandoned
	}
	return model.ChangeStatusNew
}

func fileChangeType(s string) model.FileChangeType {
	switch s {
	case "A", "C":
		return model.FileAdded
	case "D":
		return model.FileDeleted
	case "R":
		return model.FileRenamed
	}
	return model.FileModified
}

func commentBody(in CommentInput) commentJSON {
	path := in.Path
	if path == "" {
		path = PatchSetLevel
	}
	unresolved := in.Unresolved
	cj := commentJSON{
		Path:       path,
		PatchSet:   in.PatchSet,
		Line:       in.Line,
		Message:    in.Message,
		InReplyTo:  in.InReplyTo,
		Unresolved: &unresolved,
	}
	if in.Range != nil {
		cj.Range = &rangeJSON{
			StartLine:      in.Range.StartLine,
			StartCharacter: in.Range.StartChar,
			EndLine:        in.Range.EndLine,
			EndCharacter:   in.Range.EndChar,
		}
	}
	return cj
}
