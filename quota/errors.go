package quota

import (
	"errors"
	"fmt"

	"github.com/quotaward/quotaward/engine/core"
)

// Sentinel base errors for the kinds named in spec.md §7. Wrap these with
// fmt.Errorf("%w: ...", ErrX) before handing to core.NewError so callers can
// still errors.Is against the kind while getting a structured core.Error.
var (
	// ErrInputValidation covers missing/ill-typed acquirerId, malformed
	// restrictions, and unparseable durations. Not retried.
	ErrInputValidation = errors.New("input validation error")
	// ErrNotFound covers restriction lookups by id when absent.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate covers restriction inserts colliding on a unique index.
	ErrDuplicate = errors.New("duplicate")
	// ErrPreconditionMismatch is internal: a conditional update/delete found
	// no matching document. The engine recovers by re-reading and retrying.
	ErrPreconditionMismatch = errors.New("precondition mismatch")
	// ErrUpstream covers any other datastore or key-oracle failure.
	ErrUpstream = errors.New("upstream error")
	// ErrMethodNotRegistered covers a restriction naming an unknown method.
	ErrMethodNotRegistered = errors.New("method not registered")
)

func inputValidationf(format string, args ...any) error {
	return core.NewError(fmt.Errorf("%w: %s", ErrInputValidation, fmt.Sprintf(format, args...)),
		"INPUT_VALIDATION", nil)
}

func notFoundf(format string, args ...any) error {
	return core.NewError(fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...)),
		"NOT_FOUND", nil)
}

func duplicatef(format string, args ...any) error {
	return core.NewError(fmt.Errorf("%w: %s", ErrDuplicate, fmt.Sprintf(format, args...)),
		"DUPLICATE", nil)
}

func upstreamf(cause error, format string, args ...any) error {
	return core.NewError(fmt.Errorf("%w: %s: %w", ErrUpstream, fmt.Sprintf(format, args...), cause),
		"UPSTREAM_ERROR", nil)
}

func methodNotRegisteredf(format string, args ...any) error {
	return core.NewError(fmt.Errorf("%w: %s", ErrMethodNotRegistered, fmt.Sprintf(format, args...)),
		"METHOD_NOT_REGISTERED", nil)
}
