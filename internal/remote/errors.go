package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
)

const maxErrorBody = 4096

// Kind classifies a failure for retry decisions
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindNotFound
	KindConflict
	KindRateLimited
	KindBadRequest
	KindServerError
	KindTransport
	KindCancelled
	KindAuth // the token source could not produce a token
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindBadRequest:
		return "bad_request"
	case KindServerError:
		return "server_error"
	case KindTransport:
		return "transport"
	case KindCancelled:
		return "cancelled"
	case KindAuth:
		return "auth_failure"
	default:
		return "unknown"
	}
}

var (
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrRateLimited  = &Error{Kind: KindRateLimited}
	ErrBadRequest   = &Error{Kind: KindBadRequest}
	ErrServerError  = &Error{Kind: KindServerError}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrCancelled    = &Error{Kind: KindCancelled}
	ErrAuth         = &Error{Kind: KindAuth}
)

// Error is a failed call against the remote store
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Code       string        // service error code, when the body carried one
	Message    string        // service error message
	Body       string        // raw body excerpt for diagnosis
	RetryAfter time.Duration // from the Retry-After header
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("remote: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Op != "" || t.StatusCode != 0 || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf classifies any error returned by this package or by context cancellation
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransport
	}
	return KindUnknown
}

// IsRetryable is true for failures a later attempt may not hit
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindServerError, KindTransport:
		return true
	default:
		return false
	}
}

// RetryAfter returns the server requested delay carried by err, if any
func RetryAfter(err error) time.Duration {
	var re *Error
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}

type serviceError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func statusKind(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTransport
	case status >= 500:
		return KindServerError
	case status >= 400:
		return KindBadRequest
	default:
		return KindUnknown
	}
}

func newStatusError(op string, resp *req.Response, body []byte) *Error {
	e := &Error{
		Kind:       statusKind(resp.StatusCode),
		Op:         op,
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	e.Body = string(body)

	var svc serviceError
	if len(body) > 0 && jsonUnmarshal(body, &svc) == nil {
		e.Code = svc.Error.Code
		e.Message = svc.Error.Message
	}
	return e
}

// transportError wraps a failure that produced no response. Cancellation of the
// caller's ctx is reported as KindCancelled; a per-request timeout is a transport failure.
func transportError(parent context.Context, op string, err error) *Error {
	if parent.Err() != nil {
		return &Error{Kind: KindCancelled, Op: op, Err: parent.Err()}
	}
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// tokenError classifies a token source failure. Network trouble while refreshing is
// retryable like any other transport failure; everything else is an auth failure.
func tokenError(parent context.Context, op string, err error) *Error {
	if parent.Err() != nil {
		return &Error{Kind: KindCancelled, Op: op, Err: parent.Err()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// IsAuthFailure is true when no request can succeed until credentials are fixed
func IsAuthFailure(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindUnauthorized:
		return true
	default:
		return false
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
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
