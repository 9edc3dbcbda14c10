package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPrimaryKeyCollision is returned when a staged or committed resource
	// shares the primary key of another resource of the same type
	ErrPrimaryKeyCollision = errors.New("primary key collision")

	// ErrIllegalUpdate covers updates/deletes of unknown ids and managed
	// resource ownership conflicts
	ErrIllegalUpdate = errors.New("illegal update")

	ErrNotFound           = errors.New("resource not found")
	ErrNotFromRepository  = errors.New("resource is not from the repository")
	ErrCommandFailed      = errors.New("external command failed")
	ErrUnknownType        = errors.New("unknown resource type")
	ErrInvalidQuery       = errors.New("invalid query")
	ErrMultipleResults    = errors.New("more than one resource matched")
	ErrReconcileLimit     = errors.New("reconciliation did not reach a fixed point")
	ErrChangesetCommitted = errors.New("changeset already committed")
)

// ResourceError attaches the offending resource to one of the sentinel
// errors above
type ResourceError struct {
	Err  error
	Type string
	Key  string
	Msg  string
}

// NewResourceError creates a ResourceError wrapping err
func NewResourceError(err error, resourceType, key, format string, args ...any) *ResourceError {
	return &ResourceError{
		Err:  err,
		Type: resourceType,
		Key:  key,
		Msg:  fmt.Sprintf(format, args...),
	}
}

func (e *ResourceError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Resource())
	}
	return fmt.Sprintf("%v: %s: %s", e.Err, e.Resource(), e.Msg)
}

// Resource renders the offending resource as "type/key". Key may already
// carry the type prefix.
func (e *ResourceError) Resource() string {
	if e.Type == "" || strings.HasPrefix(e.Key, e.Type+"/") {
		return e.Key
	}
	return e.Type + "/" + e.Key
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// ErrorKind returns a stable discriminant for err that callers (CLI, API)
// can translate into user-facing messages
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPrimaryKeyCollision):
		return "primary-key-collision"
	case errors.Is(err, ErrIllegalUpdate):
		return "illegal-update"
	case errors.Is(err, ErrNotFound):
		return "resource-not-found"
	case errors.Is(err, ErrNotFromRepository):
		return "not-from-repository"
	case errors.Is(err, ErrCommandFailed):
		return "external-command-failure"
	case errors.Is(err, ErrReconcileLimit):
		return "reconcile-limit"
	default:
		return "internal"
	}
}
