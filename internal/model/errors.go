package model

import "fmt"

// ErrorKind is the taxonomy from the error handling design: the deepest
// component that discovers a failure attaches a Kind; higher layers wrap
// only to add phase context, never discarding it.
type ErrorKind string

const (
	// Preconditional
	ErrEnumeration     ErrorKind = "enumeration"
	ErrNotMounted      ErrorKind = "not_mounted"
	ErrInsufficientSpc ErrorKind = "insufficient_space"
	ErrRemoteBinary    ErrorKind = "remote_binary_missing"
	ErrCompressorMiss  ErrorKind = "compressor_unavailable"
	ErrNotSubvolume    ErrorKind = "not_subvolume"

	// Transient
	ErrNetworkTransient ErrorKind = "network_transient"

	// Integrity
	ErrCorruptStream  ErrorKind = "corrupt_stream"
	ErrParentMissing  ErrorKind = "parent_missing"
	ErrSidecarMissing ErrorKind = "sidecar_missing"

	// Fatal / Authentication
	ErrLockHeld        ErrorKind = "lock_held"
	ErrCancelled       ErrorKind = "cancelled"
	ErrAuthUnavailable ErrorKind = "auth_unavailable"
	ErrAuthRejected    ErrorKind = "auth_rejected"
	ErrUnreachable     ErrorKind = "unreachable"
	ErrProtocol        ErrorKind = "protocol"
	ErrSendFailed      ErrorKind = "send_failed"
	ErrIO              ErrorKind = "io"
)

// Error is a typed, taxonomy-tagged error that carries the phase in which it
// occurred (which volume, which destination, which pipeline stage) without
// losing the originating Kind.
type Error struct {
	Kind   ErrorKind
	Detail string
	Phase  string
	Cause  error
}

func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s: %s: %s", e.Phase, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// WithPhase returns a copy of e annotated with an additional phase, the
// pattern higher layers use to add context without discarding Kind.
func (e *Error) WithPhase(phase string) *Error {
	cp := *e
	if cp.Phase == "" {
		cp.Phase = phase
	} else {
		cp.Phase = phase + "/" + cp.Phase
	}
	return &cp
}

// NewError constructs a tagged error wrapping an optional cause.
func NewError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// Retryable reports whether the Orchestrator should apply its retry policy
// to an error of this kind.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrNetworkTransient, ErrLockHeld:
		return true
	default:
		return false
	}
}

// Fatal reports whether an error of this kind should abort the affected
// volume's whole subtree rather than just the one destination.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrCancelled, ErrAuthUnavailable:
		return true
	default:
		return false
	}
}
