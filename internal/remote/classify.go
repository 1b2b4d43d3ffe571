package remote

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dnr/craftsync/internal/model"
)

// classifyStatus maps an HTTP status to an error category.
func classifyStatus(code int) model.Category {
	switch {
	case code == http.StatusUnauthorized:
		return model.CategoryAuthentication
	case code == http.StatusForbidden:
		return model.CategoryPermission
	case code == http.StatusNotFound || code == http.StatusGone:
		return model.CategoryNotFound
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return model.CategoryConflict
	case code == http.StatusTooManyRequests:
		return model.CategoryRateLimit
	case code == http.StatusRequestTimeout || code >= 500:
		return model.CategoryNetwork
	case code >= 400:
		return model.CategoryValidation
	}
	return model.CategoryNetwork
}

func statusError(op string, code int, msg string, retryAfter time.Duration) *model.RemoteError {
	return &model.RemoteError{
		Category:   classifyStatus(code),
		Operation:  op,
		StatusCode: code,
		Message:    msg,
		RetryAfter: retryAfter,
	}
}

// transportError wraps a failure that never produced a response. Timeouts
// and connection errors are transient.
func transportError(op string, err error) *model.RemoteError {
	return &model.RemoteError{Category: model.CategoryNetwork, Operation: op, Err: err}
}

// classifyMessage categorizes errors from backends that only expose text,
// such as the GraphQL client.
func classifyMessage(op string, err error) *model.RemoteError {
	var re *model.RemoteError
	if errors.As(err, &re) {
		return re
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return transportError(op, err)
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	cat := model.CategoryValidation
	switch {
	case containsAny(lower, "401 unauthorized", "bad credentials"):
		cat = model.CategoryAuthentication
	case containsAny(lower, "rate limit", "429 too many requests"):
		cat = model.CategoryRateLimit
	case containsAny(lower, "403 forbidden", "resource not accessible", "must have push access"):
		cat = model.CategoryPermission
	case containsAny(lower, "could not resolve to", "404 not found", "not_found"):
		cat = model.CategoryNotFound
	case containsAny(lower, "non-200 ok status code: 5", "connection reset", "eof", "timeout"):
		cat = model.CategoryNetwork
	}
	return &model.RemoteError{Category: cat, Operation: op, Err: err}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns 0 if the header is absent or unparseable.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
