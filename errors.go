package strata

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the Strata client.
var (
	// ErrNotFound is returned when a record is not present in the local cache.
	ErrNotFound = errors.New("record not found")

	// ErrPendingChanges is returned when a pull is attempted while local changes
	// are still waiting to be pushed.
	ErrPendingChanges = errors.New("pending local changes exist; push or purge first")

	// ErrDuplicateID is returned when a create targets an id that already exists locally.
	ErrDuplicateID = errors.New("duplicate entity id")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrOffline is returned when a network operation is attempted without a remote store.
	ErrOffline = errors.New("operation unavailable without a remote store")

	// ErrModeUnsupported is returned when an operation is not valid for the store mode.
	ErrModeUnsupported = errors.New("operation not supported in this store mode")

	// ErrPushTimeout is recorded against operations abandoned when a push deadline expires.
	ErrPushTimeout = errors.New("push deadline exceeded")

	// ErrBlocked is recorded against operations skipped because an earlier
	// operation on the same entity failed during the same push.
	ErrBlocked = errors.New("blocked by earlier failure on the same entity")

	// ErrMissingID is returned when an operation needs an entity id and none was given.
	ErrMissingID = errors.New("entity id is required")
)

// Server error codes the engine reacts to.
const (
	CodeEntityNotFound           = "EntityNotFound"
	CodeInsufficientCredentials  = "InsufficientCredentials"
	CodeFeatureUnavailable       = "FeatureUnavailable"
	CodeResultSetSizeExceeded    = "ResultSetSizeExceeded"
	CodeParameterValueOutOfRange = "ParameterValueOutOfRange"
	CodeMissingConfiguration     = "MissingConfiguration"
	CodeInvalidQuerySyntax       = "InvalidQuerySyntax"
)

// ValidationError is returned when configuration validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// RemoteError is a well-formed rejection from the remote store: an
// application-level error. It is surfaced to callers verbatim and never
// substituted with cached data.
type RemoteError struct {
	Operation   string
	StatusCode  int
	Code        string
	Description string
}

func (e *RemoteError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("remote: %s failed (status %d, %s): %s", e.Operation, e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("remote: %s failed (status %d, %s)", e.Operation, e.StatusCode, e.Code)
}

// NotFound reports whether the server rejected the call because the entity does not exist.
func (e *RemoteError) NotFound() bool {
	return e.Code == CodeEntityNotFound
}

// FeatureUnavailable reports whether a delta-set request was refused because the
// server cannot serve it: the feature is off, the change history expired, or
// the delta is too large.
func (e *RemoteError) FeatureUnavailable() bool {
	switch e.Code {
	case CodeFeatureUnavailable, CodeResultSetSizeExceeded, CodeParameterValueOutOfRange, CodeMissingConfiguration:
		return true
	}
	return false
}

// ConnectivityError wraps a transport failure: timeout, refused connection,
// DNS failure. It is transient and drives the Auto-mode cache fallback.
type ConnectivityError struct {
	Operation string
	Err       error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity: %s: %v", e.Operation, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// InvariantError reports a local invariant violation such as pulling over
// unpushed changes. The operation is aborted with no partial mutation.
type InvariantError struct {
	Operation string
	Err       error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// CacheError reports a local storage fault. It is fatal to the invoking call.
type CacheError struct {
	Operation string
	Err       error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache: %s: %v", e.Operation, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is a transport-level failure.
// Caller cancellation is never a connectivity failure.
func IsConnectivity(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsApplication reports whether err is a well-formed rejection from the remote store.
func IsApplication(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// IsInvariantViolation reports whether err is a local invariant violation.
func IsInvariantViolation(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

func isRemoteNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.NotFound()
}

func isFeatureUnavailable(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.FeatureUnavailable()
}
