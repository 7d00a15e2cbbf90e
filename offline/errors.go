// ABOUTME: Typed errors for the offline sync engine.
// ABOUTME: Enables programmatic error handling with errors.Is() and errors.As().
package offline

import (
	"errors"
	"fmt"
)

// Sentinel errors for programmatic handling.
var (
	ErrNetworkFailure = errors.New("network failure")
	ErrServerError    = errors.New("server error")
	ErrConflict       = errors.New("conflict detected")
	ErrClientRejected = errors.New("request rejected by server")
	ErrQueueFull      = errors.New("write queue full")
	ErrNotFound       = errors.New("not found")
	ErrUploadCanceled = errors.New("upload canceled")
	ErrCorruptEntry   = errors.New("corrupt queue entry")
	ErrNoEndpoint     = errors.New("no endpoint registered for entity type")
)

// SyncError wraps errors with operation context.
type SyncError struct {
	Op      string // "submit", "fetch", "subscribe"
	Err     error  // underlying typed error
	Retries int    // attempts made
	Detail  string // server message if any
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Retries, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// APIError is a structured error decoded from a server response body.
type APIError struct {
	Status  int    // HTTP status code
	Message string // server-provided message, or status text fallback
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// Is maps status classes onto the sentinel taxonomy so callers can use
// errors.Is without inspecting codes.
func (e *APIError) Is(target error) bool {
	switch {
	case e.Status >= 500:
		return target == ErrServerError
	case e.Status == 409 || e.Status == 412:
		return target == ErrConflict
	case e.Status >= 400:
		return target == ErrClientRejected
	}
	return false
}
