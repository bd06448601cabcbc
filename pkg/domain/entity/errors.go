package entity

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies collaborator failures
type FetchErrorKind string

const (
	// KindBlocked is an explicit block or challenge, the egress path must rotate
	KindBlocked FetchErrorKind = "blocked"
	// KindTimeout is a transient network timeout
	KindTimeout FetchErrorKind = "timeout"
	// KindTransport is a transient connection failure
	KindTransport FetchErrorKind = "transport"
	// KindParse means the upstream payload had an unexpected shape
	KindParse FetchErrorKind = "parse"
)

var (
	// ErrUnavailable is returned by the proxy pool when no healthy entry exists
	ErrUnavailable = errors.New("no healthy proxy available")
	// ErrQueueClosed is returned when enqueueing after shutdown
	ErrQueueClosed = errors.New("candidate queue closed")
	// ErrDuplicateRecord is returned when an identifier was already written to a sink
	ErrDuplicateRecord = errors.New("record already persisted")
)

// FetchError is returned by the feed and verdict fetchers
type FetchError struct {
	Kind       FetchErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError builds a FetchError
func NewFetchError(kind FetchErrorKind, op string, err error) *FetchError {
	return &FetchError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the fetch error kind of err, transport for unclassified errors
func KindOf(err error) FetchErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransport
}

// IsBlocked reports whether err is a block or challenge signal
func IsBlocked(err error) bool {
	return err != nil && KindOf(err) == KindBlocked
}

// IsParse reports whether err is a payload shape error
func IsParse(err error) bool {
	return err != nil && KindOf(err) == KindParse
}

// IsTransient reports whether err is a retryable network error
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == KindTimeout || k == KindTransport
}

// InvariantViolation signals a logic bug. It is raised with panic and must
// never be recovered by the pipeline.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated: %s: %s", e.Invariant, e.Detail)
}
