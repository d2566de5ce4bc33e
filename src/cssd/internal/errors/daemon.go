package errors

import (
	stderr "errors"
	"fmt"
)

// SpawnError indicates that the launcher could not start a daemon process.
type SpawnError struct {
	Executable string
	Err        error
}

// Error is an implementation of the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting daemon %q: %v", e.Executable, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SpawnError) Unwrap() error { return e.Err }

// ConnectionError indicates that no daemon answered on the socket after all connection attempts.
type ConnectionError struct {
	SocketPath string
	Attempts   int
	Err        error
}

// Error is an implementation of the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to daemon at %q after %d attempt(s): %v", e.SocketPath, e.Attempts, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error { return e.Err }

// CompileError indicates that the compilation backend rejected a stylesheet.
type CompileError struct {
	CSSFile string
	Message string
}

// Error is an implementation of the error interface.
func (e *CompileError) Error() string {
	return fmt.Sprintf("compiling %q: %s", e.CSSFile, e.Message)
}

// ProtocolError indicates a malformed request or response payload.
type ProtocolError struct {
	Message string
	Err     error
}

// Error is an implementation of the error interface.
func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error: %s", e.Message)
	}
	return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsSpawn reports whether a SpawnError is part of the error chain.
func IsSpawn(e error) bool {
	var target *SpawnError
	return stderr.As(e, &target)
}

// IsConnection reports whether a ConnectionError is part of the error chain.
func IsConnection(e error) bool {
	var target *ConnectionError
	return stderr.As(e, &target)
}

// IsCompile reports whether a CompileError is part of the error chain.
func IsCompile(e error) bool {
	var target *CompileError
	return stderr.As(e, &target)
}

// IsProtocol reports whether a ProtocolError is part of the error chain.
func IsProtocol(e error) bool {
	var target *ProtocolError
	return stderr.As(e, &target)
}
