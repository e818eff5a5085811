// Package transport implements the polymorphic command-execution layer:
// LocalTransport runs argv directly; SecureRemoteTransport drives a
// shared sshmux.Session.
package transport

import (
	"context"
	"io"
)

// ExitStatus is the result of one Exec call.
type ExitStatus struct {
	Code   int
	Signal string
}

// Success reports whether the command exited zero and was not signalled.
func (e ExitStatus) Success() bool {
	return e.Code == 0 && e.Signal == ""
}

// Transport is the polymorphic contract over {LocalTransport,
// SecureRemoteTransport}.
type Transport interface {
	// Exec runs argv, feeding stdin from stdinProvider (nil for no stdin),
	// streaming stdout to stdoutSink and stderr to stderrSink, honoring
	// ctx cancellation as the cancel_token.
	Exec(ctx context.Context, argv []string, stdinProvider io.Reader, stdoutSink io.Writer, stderrSink io.Writer) (ExitStatus, error)

	// Close releases any session this transport holds (for remote
	// transports, this is a Release on the shared sshmux.Session, not a
	// teardown of the underlying ControlMaster connection itself).
	Close() error
}
