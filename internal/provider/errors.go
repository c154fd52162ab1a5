package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gitea.jw6.us/james/calsync/internal/integration"
)

// Class partitions provider failures by how callers should react.
type Class string

const (
	// ClassPermanent: invalid or revoked credentials, insufficient scope.
	// Never retried automatically; the integration needs re-authorization.
	ClassPermanent Class = "permanent"
	// ClassRateLimited: provider throttling. Snooze until RetryAfter.
	ClassRateLimited Class = "rate_limited"
	// ClassTransient: network errors, timeouts, 5xx. Retry with backoff.
	ClassTransient Class = "transient"
	// ClassConfig: bad URL, missing calendar. User-actionable, not retried.
	ClassConfig Class = "configuration"
	// ClassNotFound: the referenced calendar or event does not exist.
	ClassNotFound Class = "not_found"
)

// Error is the typed failure adapters return for expected provider error
// responses. Adapters never panic for these.
type Error struct {
	Class      Class
	Provider   integration.Provider
	Op         string
	Message    string
	StatusCode int
	RetryAfter time.Duration // set for ClassRateLimited when the provider supplied one
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s: %s (%s)", e.Provider, e.Op, msg, e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf extracts the error class, defaulting unknown failures to transient
// so the scheduler retries rather than deactivating an integration on a
// surprise.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// IsHard reports whether the failure should count against integration health.
// Transient and rate-limit errors are expected noise; permanent, config, and
// not-found failures need human attention.
func IsHard(err error) bool {
	switch ClassOf(err) {
	case ClassPermanent, ClassConfig, ClassNotFound:
		return true
	}
	return false
}

// Errf builds a typed error from a format string.
func Errf(p integration.Provider, op string, class Class, format string, args ...any) *Error {
	return &Error{Class: class, Provider: p, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapTransport classifies a client-level failure (dial error, timeout) as
// transient while keeping the cause on the chain.
func WrapTransport(p integration.Provider, op string, err error) *Error {
	return &Error{Class: ClassTransient, Provider: p, Op: op, Err: err}
}

// quota403Markers are substrings Google and Outlook put in 403 bodies when
// the failure is throttling rather than a permission problem.
var quota403Markers = []string{
	"rateLimitExceeded",
	"userRateLimitExceeded",
	"quotaExceeded",
	"ApplicationThrottled",
	"activityLimitReached",
}

// FromStatus maps an HTTP error response to the failure taxonomy.
// The caller handles success codes (and 410-on-delete) before calling this.
func FromStatus(p integration.Provider, op string, resp *http.Response, body string) *Error {
	e := &Error{Provider: p, Op: op, StatusCode: resp.StatusCode}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		e.Class = ClassPermanent
		e.Message = "unauthorized: access token rejected"
	case resp.StatusCode == http.StatusForbidden:
		if containsAny(body, quota403Markers) {
			e.Class = ClassRateLimited
			e.Message = "provider quota exhausted"
			e.RetryAfter = retryAfter(resp)
		} else {
			e.Class = ClassPermanent
			e.Message = "insufficient permissions"
		}
	case resp.StatusCode == http.StatusNotFound:
		e.Class = ClassNotFound
		e.Message = "resource not found"
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Class = ClassRateLimited
		e.Message = "rate limited"
		e.RetryAfter = retryAfter(resp)
	case resp.StatusCode >= 500:
		e.Class = ClassTransient
		e.Message = fmt.Sprintf("server error %d", resp.StatusCode)
	default:
		e.Class = ClassTransient
		e.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}

	return e
}

func containsAny(s string, markers []string) bool {
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
