package caravan

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every failure the runtime can surface. Tool-layer
// kinds travel inside Envelopes and are reified into the conversation;
// terminal kinds travel inside RunError.
type ErrorKind string

const (
	KindBadArguments       ErrorKind = "bad_arguments"
	KindUnknownTool        ErrorKind = "unknown_tool"
	KindTimeout            ErrorKind = "timeout"
	KindToolFailure        ErrorKind = "tool_failure"
	KindProviderError      ErrorKind = "provider_error"
	KindParseFailure       ErrorKind = "parse_failure"
	KindLimitExceeded      ErrorKind = "limit_exceeded"
	KindBackendUnavailable ErrorKind = "backend_unavailable"
	KindDuplicateID        ErrorKind = "duplicate_id"
	KindNotFound           ErrorKind = "not_found"
	KindCancelled          ErrorKind = "cancelled"
)

// LimitKind names which episode budget tripped.
type LimitKind string

const (
	LimitSteps    LimitKind = "steps"
	LimitRequests LimitKind = "requests"
	LimitTokens   LimitKind = "tokens"
)

// RunError is a terminal runtime error carrying its classification.
type RunError struct {
	Kind    ErrorKind
	Limit   LimitKind // set only for KindLimitExceeded
	Message string
	Err     error
}

func (e *RunError) Error() string {
	switch {
	case e.Kind == KindLimitExceeded:
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Limit, e.Message)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunError builds a RunError of the given kind.
func NewRunError(kind ErrorKind, msg string) *RunError {
	return &RunError{Kind: kind, Message: msg}
}

// ErrLimit builds a LimitExceeded error for the given budget.
func ErrLimit(limit LimitKind, msg string) *RunError {
	return &RunError{Kind: KindLimitExceeded, Limit: limit, Message: msg}
}

// ProviderHTTPError is a transport-level failure from an LLM or tool
// provider endpoint. RetryAfter carries the server's Retry-After header
// when present.
type ProviderHTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ProviderHTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Control-plane sentinels. Wrapped by manager errors so callers can use
// errors.Is without unpacking RunError.
var (
	ErrDuplicateID = errors.New("agent id already exists")
	ErrNotFound    = errors.New("agent not found")
)

// KindOf extracts the ErrorKind from err, mapping context cancellation
// and the control-plane sentinels. Returns "" for nil and unclassified
// errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	var he *ProviderHTTPError
	if errors.As(err, &he) {
		return KindProviderError
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrDuplicateID):
		return KindDuplicateID
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return ""
}

// IsNotFound reports whether err is the manager's not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsDuplicateID reports whether err is the manager's duplicate-id error.
func IsDuplicateID(err error) bool { return errors.Is(err, ErrDuplicateID) }
