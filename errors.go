package quay

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across components.
var (
	// ErrNotFound reports a missing agent, tool, snapshot, or approval.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateTool reports a second registration under an existing tool name.
	ErrDuplicateTool = errors.New("duplicate tool name")
	// ErrSlowConsumer reports a subscriber that failed to drain a non-droppable
	// channel before the publish deadline.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrTurnActive reports an operation that is only legal between turns
	// (snapshotting, branching) attempted while a turn is in flight.
	ErrTurnActive = errors.New("turn active")
	// ErrAgentDeleted reports use of an agent whose directory has been removed.
	ErrAgentDeleted = errors.New("agent deleted")
	// ErrSessionConflict reports a request naming different session ids in
	// path and header.
	ErrSessionConflict = errors.New("conflicting session ids")
)

// ProviderErrorKind categorises model-provider failures. The loop's retry
// policy keys off this: RateLimited, Server, and Network are transient;
// BadRequest and Auth are fatal for the turn; Cancelled is cooperative.
type ProviderErrorKind string

const (
	ProviderBadRequest  ProviderErrorKind = "bad_request"
	ProviderAuth        ProviderErrorKind = "auth"
	ProviderRateLimited ProviderErrorKind = "rate_limited"
	ProviderServer      ProviderErrorKind = "server"
	ProviderNetwork     ProviderErrorKind = "network"
	ProviderCancelled   ProviderErrorKind = "cancelled"
)

// ProviderError is a categorised failure from a model provider.
type ProviderError struct {
	Kind    ProviderErrorKind
	Status  int    // HTTP status when known, 0 otherwise
	Message string
	// RetryAfter is the server-requested minimum delay before retrying,
	// parsed from the Retry-After header. Zero when absent.
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider: %s (http %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Message)
}

// Transient reports whether the error is worth retrying.
func (e *ProviderError) Transient() bool {
	switch e.Kind {
	case ProviderRateLimited, ProviderServer, ProviderNetwork:
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP status code to a ProviderErrorKind.
func ClassifyStatus(status int) ProviderErrorKind {
	switch {
	case status == 429:
		return ProviderRateLimited
	case status == 401 || status == 403:
		return ProviderAuth
	case status >= 500:
		return ProviderServer
	default:
		return ProviderBadRequest
	}
}

// BoundaryViolation reports a sandbox path escaping the working directory and
// allow-list. It is raised before any IO happens.
type BoundaryViolation struct {
	Path string
}

func (e *BoundaryViolation) Error() string {
	return fmt.Sprintf("sandbox: path %q outside boundary", e.Path)
}

// InvariantError reports a runtime defect: duplicate call ids, tool results
// without a matching tool use, illegal record transitions. These terminate
// the turn with StopError and must never corrupt persisted state.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant: " + e.Msg }

// Invariantf builds an InvariantError.
func Invariantf(format string, args ...any) *InvariantError {
	return &InvariantError{Msg: fmt.Sprintf(format, args...)}
}
