package jsonrpcfx

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
)

const (
	_lockSuffix   = ".lock"
	_probeTimeout = 500 * time.Millisecond
)

// Listen binds a unix socket at socketPath.
// A socket file left behind by a daemon that is no longer running is replaced.
// If a live daemon answers on socketPath, ErrEndpointInUse is returned.
func Listen(socketPath string) (net.Listener, error) {
	unlock, err := lock(socketPath + _lockSuffix)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ln, err := net.Listen("unix", socketPath)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, err
	}

	if isLive(socketPath) {
		return nil, cssderrors.ErrEndpointInUse
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	return net.Listen("unix", socketPath)
}

// lock serializes stale socket removal and rebinding between daemons racing for the same path.
// The bind itself remains what decides which daemon serves.
func lock(path string) (func(), error) {
	for {
		fl := flock.New(path)
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("locking %q: %w", path, err)
		}
		// The owner may have unlinked the file while we waited on it.
		held, err := fl.Stat()
		if err != nil {
			fl.Close()
			return nil, fmt.Errorf("locking %q: %w", path, err)
		}
		current, err := os.Stat(path)
		if err == nil && os.SameFile(held, current) {
			return func() {
				fl.Close()
			}, nil
		}
		fl.Close()
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("locking %q: %w", path, err)
		}
	}
}

// RemoveLock removes the lock file of a daemon that served socketPath.
func RemoveLock(socketPath string) error {
	path := socketPath + _lockSuffix
	unlock, err := lock(path)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

func isLive(socketPath string) bool {
	conn, err := net.DialTimeout("unix", socketPath, _probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
