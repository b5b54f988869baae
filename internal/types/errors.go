package types

import (
	"errors"
	"fmt"
)

var (
	// ErrGroupClosed is returned when an operation targets a group that is
	// no longer PENDING or whose deadline has passed.
	ErrGroupClosed = errors.New("group order is closed")

	// ErrUnknownReference is returned when a webhook references a payment
	// the ledger has no entry for. Logged and dropped, never a caller error.
	ErrUnknownReference = errors.New("unknown payment reference")

	// ErrRetryable is returned when the per-group lock could not be acquired
	// within the bounded timeout. The caller retries the whole operation.
	ErrRetryable = errors.New("operation timed out acquiring group lock, retry")

	// ErrNotFound is returned when a group order does not exist.
	ErrNotFound = errors.New("group order not found")
)

// ValidationError reports rejected input. Never auto-retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// GatewayError wraps a failed payment gateway call. The join caller may
// retry manually; nothing was persisted.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway error: %v", e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ConsistencyViolation reports a broken aggregate invariant (for example a
// completion guard that matched zero rows). Fatal for the operation, logged,
// never silently patched.
type ConsistencyViolation struct {
	GroupID string
	Detail  string
}

func (e *ConsistencyViolation) Error() string {
	return fmt.Sprintf("consistency violation on group %s: %s", e.GroupID, e.Detail)
}
