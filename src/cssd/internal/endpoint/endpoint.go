// Package endpoint derives the socket path and scratch directory a daemon
// binds to for a given workspace.
package endpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

const (
	// Prefix is prepended to every socket and scratch directory name.
	Prefix = "cssd"

	// ShortTempRoot is used instead of os.TempDir, which is long on some platforms.
	ShortTempRoot = "/tmp"

	_maxStemLength = 24
	_digestLength  = 12
	_socketSuffix  = ".sock"

	_errSocketPathTooLong = "socket path %q is %d bytes, exceeding the limit of %d"
	_errNotAbsolute       = "workspace directory %q must be absolute"
)

// Endpoint describes where a workspace's daemon listens.
type Endpoint struct {
	// Identity is the workspace identity both paths were derived from.
	Identity string
	// SocketPath is the unix socket the daemon binds.
	SocketPath string
	// ScratchDir holds the daemon's logs and info file.
	ScratchDir string
}

// Option customizes how an Endpoint is derived.
type Option func(*options)

type options struct {
	tempRoot string
}

// WithTempRoot overrides the directory sockets are created in.
func WithTempRoot(root string) Option {
	return func(o *options) {
		o.tempRoot = root
	}
}

// WorkspaceIdentity returns a lowercase, letters-only identifier for dir.
// It keeps the trailing letters of the path for readability and appends a
// digest of the full path so that directories differing only in
// non-letters (for example /app1 and /app2) do not collide.
func WorkspaceIdentity(dir string) string {
	var letters strings.Builder
	for _, r := range strings.ToLower(dir) {
		if r >= 'a' && r <= 'z' {
			letters.WriteRune(r)
		}
	}
	stem := letters.String()
	if len(stem) > _maxStemLength {
		stem = stem[len(stem)-_maxStemLength:]
	}

	sum := blake3.Sum256([]byte(dir))
	digest := make([]byte, _digestLength)
	for i := range digest {
		digest[i] = 'a' + sum[i]%26
	}
	return stem + string(digest)
}

// New derives the endpoint for the workspace rooted at dir, which must be absolute.
func New(dir string, opts ...Option) (Endpoint, error) {
	o := options{tempRoot: ShortTempRoot}
	for _, opt := range opts {
		opt(&o)
	}

	if !filepath.IsAbs(dir) {
		return Endpoint{}, fmt.Errorf(_errNotAbsolute, dir)
	}

	identity := WorkspaceIdentity(filepath.Clean(dir))
	name := Prefix + "-" + identity
	e := Endpoint{
		Identity:   identity,
		SocketPath: filepath.Join(o.tempRoot, name+_socketSuffix),
		ScratchDir: filepath.Join(o.tempRoot, name),
	}
	if err := e.Validate(); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// FromWorkingDirectory derives the endpoint for the current working directory.
func FromWorkingDirectory(opts ...Option) (Endpoint, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Endpoint{}, fmt.Errorf("getting working directory: %w", err)
	}
	return New(wd, opts...)
}

// MaxSocketPathLength is the longest socket path the platform accepts,
// excluding the terminating NUL.
func MaxSocketPathLength() int {
	return len(unix.RawSockaddrUnix{}.Path) - 1
}

// Validate reports whether the socket path fits the platform limit.
func (e Endpoint) Validate() error {
	if l := len(e.SocketPath); l > MaxSocketPathLength() {
		return fmt.Errorf(_errSocketPathTooLong, e.SocketPath, l, MaxSocketPathLength())
	}
	return nil
}

// IsIdentity reports whether s has the shape of a workspace identity.
func IsIdentity(s string) bool {
	if len(s) < _digestLength || len(s) > _maxStemLength+_digestLength {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
