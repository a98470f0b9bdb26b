// Package fault defines the shared error taxonomy for the orchestration core.
// Every user-visible failure event carries one of these kinds plus a
// human-readable message, so observers can branch on the kind without
// parsing strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration error.
type Kind string

const (
	KindInput             Kind = "InputError"        // malformed request, unparsable user text
	KindPayloadTooLarge   Kind = "PayloadTooLarge"   // prompt exceeds cap
	KindCyclicGraph       Kind = "CyclicGraph"       // non-rework cycle detected during build
	KindMissingProducer   Kind = "MissingProducer"   // consumer contract unsatisfiable
	KindWorkerUnavailable Kind = "WorkerUnavailable" // no worker meets minimum confidence
	KindTimeout           Kind = "Timeout"           // invocation runtime or inactivity exceeded
	KindWorkerExit        Kind = "WorkerExitError"   // non-zero exit with diagnostic output
	KindCheckpointFailed  Kind = "CheckpointFailed"  // quality gate rejected the work
	KindReworkExhausted   Kind = "ReworkExhausted"   // task exceeded max rework attempts
	KindLoopDetected      Kind = "LoopDetected"      // global invocation cap exceeded
	KindCancelled         Kind = "Cancelled"         // caller-initiated termination
	KindLLM               Kind = "LLMError"          // transient failure in the LLM adapter
	KindInternal          Kind = "Internal"          // invariant violation, fatal
)

// TimeoutCause distinguishes the two invocation timeout modes.
type TimeoutCause string

const (
	TimeoutRuntime    TimeoutCause = "runtime"
	TimeoutInactivity TimeoutCause = "inactivity"
)

// Error is a classified orchestration error.
type Error struct {
	Kind Kind
	Msg  string
	// Diagnostic carries the last categorized worker output, when applicable.
	Diagnostic string
	// Cause distinguishes timeout modes; empty for non-timeout kinds.
	Cause TimeoutCause
	Err   error
}

func (e *Error) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Cause, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Timeout creates a timeout error with its cause.
func Timeout(cause TimeoutCause, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTimeout, Cause: cause, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error, defaulting to Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Transient reports whether the error is worth retrying.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindLLM:
		return true
	}
	return false
}
