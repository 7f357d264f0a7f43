package gateway

import (
	"errors"
	"fmt"
)

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrInsufficientPerms   = errors.New("insufficient permission")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrBadRequest          = errors.New("bad request")
	ErrModelNotFound       = errors.New("model not found")
	ErrRouterInconsistent  = errors.New("router inconsistency")
	ErrRequestFormat       = errors.New("request format failed")
	ErrResponseFormat      = errors.New("response format failed")
	ErrUpstreamOverloaded  = errors.New("upstream overloaded")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrDispatchTimeout     = errors.New("dispatch timeout")
	ErrFileTooLarge        = errors.New("file size exceeded")
	ErrUnsupportedFile     = errors.New("unsupported file type")
	ErrTokenExpired        = errors.New("token expired")
	ErrUserExpired         = errors.New("user expired")
)

// RateLimitError carries the violated bound and remaining capacity so the
// transport can render "N <unit> exceeded (remaining: R)".
type RateLimitError struct {
	Limit     int64
	Unit      string // e.g. "requests per minute"
	Remaining int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%d %s exceeded (remaining: %d)", e.Limit, e.Unit, e.Remaining)
}

// Is makes errors.Is(err, ErrRateLimited) work for RateLimitError values.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ErrRateLimited is the sentinel matched by all rate-limit errors.
var ErrRateLimited = errors.New("rate limit exceeded")

// UpstreamError mirrors a non-2xx upstream response to the caller.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.Status, e.Detail)
}
