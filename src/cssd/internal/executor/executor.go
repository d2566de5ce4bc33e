package executor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

// Executor wraps process creation so launches can be logged and replaced in tests.
type Executor interface {
	// Start launches cmd in its own session and returns its pid without waiting for it.
	Start(cmd *exec.Cmd) (pid int, err error)
	// Signal delivers sig to the process with the given pid.
	Signal(pid int, sig os.Signal) error
}

// executorImp implements Executor
type executorImp struct {
	Logger *zap.SugaredLogger
	// StartFunc may be replaced to observe commands in tests.
	StartFunc func(cmd *exec.Cmd) error
}

// Option defines options to customize executorImp's behavior
type Option func(*executorImp)

// WithLogger overrides the default noop logger
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(executor *executorImp) {
		executor.Logger = logger
	}
}

// WithStartFunc provides customized start behavior for executorImp
func WithStartFunc(startFunc func(cmd *exec.Cmd) error) Option {
	return func(executor *executorImp) {
		executor.StartFunc = startFunc
	}
}

// NewExecutor creates a new executorImp with a noop logger that starts commands for real.
func NewExecutor(opts ...Option) Executor {
	executor := &executorImp{
		Logger:    zap.NewNop().Sugar(),
		StartFunc: func(cmd *exec.Cmd) error { return cmd.Start() },
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Start detaches cmd from the caller's session so that it survives the caller's exit.
// Unset Stdout and Stderr are attached to the caller's console.
func (l *executorImp) Start(cmd *exec.Cmd) (int, error) {
	l.logCommand(cmd)

	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// Setpgid would fail with EPERM once the child is a session leader.
	cmd.SysProcAttr.Setsid = true

	if err := l.StartFunc(cmd); err != nil {
		return 0, err
	}
	if cmd.Process == nil {
		return 0, nil
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("process %d started but failed to release: %w", pid, err)
	}
	l.Logger.Infow("Started", "Pid", pid)
	return pid, nil
}

// Signal looks up pid and delivers sig to it.
func (l *executorImp) Signal(pid int, sig os.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	l.Logger.Infow("Signal", "Pid", pid, "Signal", sig.String())
	return process.Signal(sig)
}

// Logs the command specified: Path, Dir, Args
func (l *executorImp) logCommand(cmd *exec.Cmd) {
	l.Logger.Infow("Exec",
		"Path", cmd.Path,
		"Dir", cmd.Dir,
		"Args", cmd.Args[1:], // First arg is always the command itself
	)
}
