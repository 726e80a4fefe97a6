package uws

import (
	"errors"
	"fmt"
)

// ErrorKind classifies request-level failures so the transport layer can
// map them to a status code without string matching.
type ErrorKind int

const (
	KindBadParameter ErrorKind = iota
	KindIllegalTransition
	KindPermissionDenied
	KindNotFound
	KindConflict
)

// ClientError is a failure caused by the request itself. It is surfaced to
// the caller and never retried.
type ClientError struct {
	Kind    ErrorKind
	Message string
}

func (e *ClientError) Error() string {
	return e.Message
}

// NewBadParameterError reports a malformed or rejected parameter value.
func NewBadParameterError(format string, args ...interface{}) *ClientError {
	return &ClientError{Kind: KindBadParameter, Message: fmt.Sprintf(format, args...)}
}

// NewPermissionDeniedError reports a failed permission check.
func NewPermissionDeniedError(format string, args ...interface{}) *ClientError {
	return &ClientError{Kind: KindPermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports an unknown job or job list.
func NewNotFoundError(format string, args ...interface{}) *ClientError {
	return &ClientError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError reports a request that contradicts current state, such
// as inserting a duplicate job ID.
func NewConflictError(format string, args ...interface{}) *ClientError {
	return &ClientError{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// ErrorKindOf extracts the classification of err, reporting ok=false for
// errors that are not client errors.
func ErrorKindOf(err error) (ErrorKind, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	var pe *PhaseTransitionError
	if errors.As(err, &pe) {
		return KindIllegalTransition, true
	}
	return 0, false
}

// PhaseTransitionError reports a rejected phase change. The job phase is
// unchanged when this error is returned.
type PhaseTransitionError struct {
	JobID string
	From  ExecutionPhase
	To    ExecutionPhase
}

func (e *PhaseTransitionError) Error() string {
	return fmt.Sprintf("illegal phase transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// ErrWorkerLeaked is wrapped into the error returned by Abort and the
// execution-duration timeout path when the worker ignores cancellation past
// the grace period. The phase transition still completes.
var ErrWorkerLeaked = errors.New("worker did not stop within the grace period")

// ErrorType distinguishes recoverable from unrecoverable job failures.
type ErrorType string

const (
	ErrorTypeTransient ErrorType = "TRANSIENT"
	ErrorTypeFatal     ErrorType = "FATAL"
)

// ErrorSummary is the client-visible record of a job failure.
type ErrorSummary struct {
	Message    string    `json:"message"`
	Type       ErrorType `json:"type"`
	DetailsRef string    `json:"detailsRef,omitempty"`
}

// WorkerError lets a worker control the error type and details recorded in
// the job's error summary. A plain error from a worker is recorded as
// TRANSIENT with no details file.
type WorkerError struct {
	Type    ErrorType
	Err     error
	Details string
}

func (e *WorkerError) Error() string {
	return e.Err.Error()
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// FatalWorkerError wraps err as an unrecoverable failure.
func FatalWorkerError(err error, details string) *WorkerError {
	return &WorkerError{Type: ErrorTypeFatal, Err: err, Details: details}
}

// TransientWorkerError wraps err as a recoverable failure.
func TransientWorkerError(err error, details string) *WorkerError {
	return &WorkerError{Type: ErrorTypeTransient, Err: err, Details: details}
}
