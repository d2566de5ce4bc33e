package errors

import stderr "errors"

// New returns an error that formats as the given text.
// Each call to New returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

var (
	// ErrEndpointInUse reports that a live daemon already owns the socket endpoint.
	ErrEndpointInUse = New("endpoint already served by a running daemon")
	// ErrNoCSSFile reports that a compile request is missing its stylesheet path.
	ErrNoCSSFile = New("cssFile is required")
	// ErrRelativeCSSFile reports that a compile request carries a path that is not absolute.
	ErrRelativeCSSFile = New("cssFile must be an absolute path")
)

// IsBadRequest reports whether the error is a bad request from the caller.
func IsBadRequest(e error) bool {
	return stderr.Is(e, ErrNoCSSFile) || stderr.Is(e, ErrRelativeCSSFile) || IsProtocol(e)
}
