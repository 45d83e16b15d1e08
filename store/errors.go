package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/twinstore/repository"
)

// Kind is the classification of a storage engine failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindThrottled
	KindRequestLimit
	KindConflict
	KindNotFound
	KindOversize
	KindInternal
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "THROTTLED"
	case KindRequestLimit:
		return "REQUEST_LIMIT"
	case KindConflict:
		return "CONFLICT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindOversize:
		return "OVERSIZE"
	case KindInternal:
		return "INTERNAL"
	case KindInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Retryable reports whether failures of this kind are transient.
func (k Kind) Retryable() bool {
	return k == KindThrottled || k == KindRequestLimit || k == KindInternal
}

// sentinel maps a kind onto the caller-visible error taxonomy.
func (k Kind) sentinel() error {
	switch k {
	case KindThrottled, KindRequestLimit, KindInternal:
		return repository.ErrTransient
	case KindConflict:
		return repository.ErrConflict
	case KindNotFound:
		return repository.ErrNotFound
	case KindOversize:
		return repository.ErrOversize
	case KindInterrupted:
		return repository.ErrInterrupted
	default:
		return repository.ErrStorage
	}
}

// Reason describes why one descriptor of a cancelled write unit failed.
type Reason struct {
	Index   int
	Label   string
	Code    string
	Message string

	// Item holds the item's state at failure time when the descriptor asked
	// for it. Empty when the item did not exist.
	Item map[string]types.AttributeValue
}

// Error is the final failure of an operation run through the Executor.
// It matches the repository sentinel for its Kind under errors.Is.
type Error struct {
	Kind     Kind
	Op       string
	Attempts int
	Err      error

	// Reasons is set for cancelled write units, one entry per failed descriptor.
	Reasons []Reason
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s after %d attempt(s)", e.Op, e.Kind, e.Attempts)
	for _, r := range e.Reasons {
		fmt.Fprintf(&b, "; write %d (%s): %s", r.Index+1, r.Label, r.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
