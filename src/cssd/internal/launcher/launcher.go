// Package launcher makes sure a daemon serves the current workspace's endpoint.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/uber/cssd/src/cssd/internal/endpoint"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
	"github.com/uber/cssd/src/cssd/internal/executor"
	"github.com/uber/cssd/src/cssd/internal/fs"
	"github.com/uber/cssd/src/cssd/internal/serverinfofile"
	"go.uber.org/zap"
)

const (
	// DefaultExecutable is the daemon binary looked up on PATH.
	DefaultExecutable = "cssd"
	// EnvExecutable overrides DefaultExecutable.
	EnvExecutable = "CSSD_EXECUTABLE"

	_probeTimeout = 200 * time.Millisecond
)

// Launcher owns the daemon process handle of one client process.
type Launcher interface {
	// EnsureRunning returns once a daemon has been found or started for the
	// endpoint. Only the first successful call does any work.
	EnsureRunning(ctx context.Context) error
	// Started reports whether this launcher spawned the daemon it found.
	Started() bool
	// Forget drops what the launcher knows about the daemon, so that the next
	// EnsureRunning probes the endpoint again. It is used once the daemon has
	// stopped answering, for example after it exited on idle.
	Forget()
	// Close stops a daemon this launcher started. It is a no-op otherwise.
	Close() error
	// Endpoint returns the endpoint served by the daemon.
	Endpoint() endpoint.Endpoint
}

// Option configures a launcher.
type Option func(*launcher)

// WithExecutable sets the daemon binary.
func WithExecutable(path string) Option {
	return func(l *launcher) {
		l.executable = path
	}
}

// WithExecutor replaces the process executor.
func WithExecutor(e executor.Executor) Option {
	return func(l *launcher) {
		l.executor = e
	}
}

// WithLogger sets the launcher's logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(l *launcher) {
		l.logger = logger
	}
}

// WithFS replaces the filesystem used to read the daemon info file.
func WithFS(files fs.CSSFS) Option {
	return func(l *launcher) {
		l.fs = files
	}
}

// WithInfoFileName sets the name of the daemon info file inside the scratch dir.
func WithInfoFileName(name string) Option {
	return func(l *launcher) {
		l.infoFileName = name
	}
}

type launcher struct {
	endpoint     endpoint.Endpoint
	executable   string
	executor     executor.Executor
	fs           fs.CSSFS
	logger       *zap.SugaredLogger
	infoFileName string

	mu      sync.Mutex
	ensured bool
	pid     int
}

// New creates a Launcher for ep.
func New(ep endpoint.Endpoint, opts ...Option) Launcher {
	return newLauncher(ep, opts...)
}

func newLauncher(ep endpoint.Endpoint, opts ...Option) *launcher {
	l := &launcher{
		endpoint:     ep,
		executable:   DefaultExecutable,
		logger:       zap.NewNop().Sugar(),
		fs:           fs.New(),
		infoFileName: serverinfofile.DefaultFileName,
	}
	if exe, ok := os.LookupEnv(EnvExecutable); ok && exe != "" {
		l.executable = exe
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.executor == nil {
		l.executor = executor.NewExecutor(executor.WithLogger(l.logger))
	}
	return l
}

// EnsureRunning probes the socket and spawns a daemon when nothing answers.
func (l *launcher) EnsureRunning(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ensured {
		return nil
	}
	if err := l.endpoint.Validate(); err != nil {
		return err
	}

	if probe(ctx, l.endpoint.SocketPath) {
		l.logger.Debugw("daemon already running", "socket", l.endpoint.SocketPath)
		l.ensured = true
		return nil
	}

	// The daemon inherits the environment and working directory, and its
	// output goes to the caller's console.
	cmd := exec.Command(l.executable, l.endpoint.SocketPath, l.endpoint.ScratchDir)
	cmd.Env = os.Environ()
	pid, err := l.executor.Start(cmd)
	if err != nil {
		return &cssderrors.SpawnError{Executable: l.executable, Err: err}
	}

	l.logger.Infow("started daemon", "pid", pid, "socket", l.endpoint.SocketPath)
	l.pid = pid
	l.ensured = true
	return nil
}

// Started reports whether this launcher spawned a daemon.
func (l *launcher) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pid != 0
}

// Forget resets the launcher without signaling anything.
func (l *launcher) Forget() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ensured {
		l.logger.Infow("daemon stopped answering, forgetting it", "pid", l.pid, "socket", l.endpoint.SocketPath)
	}
	l.pid = 0
	l.ensured = false
}

// Close sends SIGTERM to the daemon this launcher started.
func (l *launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pid := l.pid
	l.pid = 0
	l.ensured = false
	if pid == 0 {
		return nil
	}
	if err := l.executor.Signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stopping daemon %d: %w", pid, err)
	}
	return nil
}

// Endpoint returns the launcher's endpoint.
func (l *launcher) Endpoint() endpoint.Endpoint {
	return l.endpoint
}

// StopRecorded stops whichever daemon recorded itself as serving ep, whether
// or not this process started it.
func StopRecorded(ep endpoint.Endpoint, opts ...Option) error {
	l := newLauncher(ep, opts...)

	path := serverinfofile.Path(ep, l.infoFileName)
	contents, err := serverinfofile.Read(l.fs, path)
	if err != nil {
		return fmt.Errorf("reading daemon info: %w", err)
	}
	pid, err := serverinfofile.PID(contents)
	if err != nil {
		return err
	}
	if socket, ok := contents[serverinfofile.KeySocket]; ok && socket != ep.SocketPath {
		return fmt.Errorf("info file %q belongs to socket %q, not %q", path, socket, ep.SocketPath)
	}

	if err := l.executor.Signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stopping daemon %d: %w", pid, err)
	}
	l.logger.Infow("stopped daemon", "pid", pid, "socket", ep.SocketPath)
	return nil
}

// probe reports whether a daemon accepts connections on socketPath.
func probe(ctx context.Context, socketPath string) bool {
	ctx, cancel := context.WithTimeout(ctx, _probeTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
