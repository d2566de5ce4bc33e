package launcher

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/cssd/src/cssd/internal/endpoint"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
	"github.com/uber/cssd/src/cssd/internal/executor/executormock"
	"github.com/uber/cssd/src/cssd/internal/fs"
	"github.com/uber/cssd/src/cssd/internal/serverinfofile"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEndpoint(t *testing.T) endpoint.Endpoint {
	t.Helper()
	root, err := os.MkdirTemp("/tmp", "ln")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	ep, err := endpoint.New("/home/user/project", endpoint.WithTempRoot(root))
	require.NoError(t, err)
	return ep
}

func TestEnsureRunningSpawnsOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	exe := executormock.NewMockExecutor(ctrl)
	ep := newEndpoint(t)

	exe.EXPECT().Start(gomock.Any()).DoAndReturn(func(cmd *exec.Cmd) (int, error) {
		assert.Equal(t, []string{"/opt/bin/cssd", ep.SocketPath, ep.ScratchDir}, cmd.Args)
		assert.Equal(t, os.Environ(), cmd.Env)
		assert.Empty(t, cmd.Dir)
		return 4242, nil
	}).Times(1)

	l := New(ep, WithExecutor(exe), WithExecutable("/opt/bin/cssd"))
	require.NoError(t, l.EnsureRunning(context.Background()))
	require.NoError(t, l.EnsureRunning(context.Background()))
	assert.True(t, l.Started())
	assert.Equal(t, ep, l.Endpoint())
}

func TestEnsureRunningReusesLiveDaemon(t *testing.T) {
	ctrl := gomock.NewController(t)
	exe := executormock.NewMockExecutor(ctrl)
	ep := newEndpoint(t)

	ln, err := net.Listen("unix", ep.SocketPath)
	require.NoError(t, err)
	defer ln.Close()

	l := New(ep, WithExecutor(exe))
	require.NoError(t, l.EnsureRunning(context.Background()))
	assert.False(t, l.Started())
	require.NoError(t, l.Close())
}

func TestEnsureRunningSpawnFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	exe := executormock.NewMockExecutor(ctrl)
	ep := newEndpoint(t)

	gomock.InOrder(
		exe.EXPECT().Start(gomock.Any()).Return(0, exec.ErrNotFound),
		exe.EXPECT().Start(gomock.Any()).Return(77, nil),
	)

	l := New(ep, WithExecutor(exe), WithExecutable("missing-cssd"))
	err := l.EnsureRunning(context.Background())

	var spawnErr *cssderrors.SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, "missing-cssd", spawnErr.Executable)
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.False(t, l.Started())

	// A failed spawn is retried on the next call.
	require.NoError(t, l.EnsureRunning(context.Background()))
	assert.True(t, l.Started())
}

func TestEnsureRunningRealMissingExecutable(t *testing.T) {
	ep := newEndpoint(t)
	l := New(ep, WithExecutable(filepath.Join(t.TempDir(), "no-such-binary")))

	err := l.EnsureRunning(context.Background())
	assert.True(t, cssderrors.IsSpawn(err))
}

func TestEnsureRunningExecutableFromEnv(t *testing.T) {
	ctrl := gomock.NewController(t)
	exe := executormock.NewMockExecutor(ctrl)
	ep := newEndpoint(t)
	t.Setenv(EnvExecutable, "/custom/cssd")

	exe.EXPECT().Start(gomock.Any()).DoAndReturn(func(cmd *exec.Cmd) (int, error) {
		assert.Equal(t, "/custom/cssd", cmd.Args[0])
		return 1, nil
	})
	require.NoError(t, New(ep, WithExecutor(exe)).EnsureRunning(context.Background()))
}

func TestEnsureRunningInvalidEndpoint(t *testing.T) {
	ep := endpoint.Endpoint{SocketPath: "/tmp/" + string(make([]byte, 200))}
	err := New(ep).EnsureRunning(context.Background())
	assert.ErrorContains(t, err, "exceeding the limit")
}

func TestForgetRelaunches(t *testing.T) {
	ctrl := gomock.NewController(t)
	exe := executormock.NewMockExecutor(ctrl)
	gomock.InOrder(
		exe.EXPECT().Start(gomock.Any()).Return(4242, nil),
		exe.EXPECT().Start(gomock.Any()).Return(4343, nil),
		exe.EXPECT().Signal(4343, syscall.SIGTERM).Return(nil),
	)

	l := New(newEndpoint(t), WithExecutor(exe))
	require.NoError(t, l.EnsureRunning(context.Background()))
	l.Forget()
	assert.False(t, l.Started())

	require.NoError(t, l.EnsureRunning(context.Background()))
	assert.True(t, l.Started())
	require.NoError(t, l.Close())
}

func TestClose(t *testing.T) {
	t.Run("signals a started daemon", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		exe := executormock.NewMockExecutor(ctrl)
		exe.EXPECT().Start(gomock.Any()).Return(4242, nil)
		exe.EXPECT().Signal(4242, syscall.SIGTERM).Return(nil)

		l := New(newEndpoint(t), WithExecutor(exe))
		require.NoError(t, l.EnsureRunning(context.Background()))
		require.NoError(t, l.Close())
		assert.False(t, l.Started())
		require.NoError(t, l.Close())
	})

	t.Run("daemon already gone", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		exe := executormock.NewMockExecutor(ctrl)
		exe.EXPECT().Start(gomock.Any()).Return(4242, nil)
		exe.EXPECT().Signal(4242, syscall.SIGTERM).Return(os.ErrProcessDone)

		l := New(newEndpoint(t), WithExecutor(exe))
		require.NoError(t, l.EnsureRunning(context.Background()))
		assert.NoError(t, l.Close())
	})

	t.Run("signal failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		exe := executormock.NewMockExecutor(ctrl)
		exe.EXPECT().Start(gomock.Any()).Return(4242, nil)
		exe.EXPECT().Signal(4242, syscall.SIGTERM).Return(syscall.EPERM)

		l := New(newEndpoint(t), WithExecutor(exe))
		require.NoError(t, l.EnsureRunning(context.Background()))
		assert.ErrorIs(t, l.Close(), syscall.EPERM)
	})
}

func TestStopRecorded(t *testing.T) {
	writeInfo := func(t *testing.T, ep endpoint.Endpoint, contents string) {
		require.NoError(t, os.MkdirAll(ep.ScratchDir, 0o700))
		require.NoError(t, os.WriteFile(serverinfofile.Path(ep, serverinfofile.DefaultFileName), []byte(contents), 0o600))
	}

	t.Run("signals the recorded pid", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		exe := executormock.NewMockExecutor(ctrl)
		ep := newEndpoint(t)
		writeInfo(t, ep, `{"pid": "321", "socket": "`+ep.SocketPath+`"}`)
		exe.EXPECT().Signal(321, syscall.SIGTERM).Return(nil)

		require.NoError(t, StopRecorded(ep, WithExecutor(exe), WithFS(fs.New())))
	})

	t.Run("no info file", func(t *testing.T) {
		ep := newEndpoint(t)
		err := StopRecorded(ep)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("bad pid", func(t *testing.T) {
		ep := newEndpoint(t)
		writeInfo(t, ep, `{"pid": "abc"}`)
		assert.ErrorContains(t, StopRecorded(ep), "invalid pid")
	})

	t.Run("foreign socket", func(t *testing.T) {
		ep := newEndpoint(t)
		writeInfo(t, ep, `{"pid": "321", "socket": "/tmp/other.sock"}`)
		assert.ErrorContains(t, StopRecorded(ep), "belongs to socket")
	})

	t.Run("custom info file name", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		exe := executormock.NewMockExecutor(ctrl)
		ep := newEndpoint(t)
		require.NoError(t, os.MkdirAll(ep.ScratchDir, 0o700))
		require.NoError(t, os.WriteFile(serverinfofile.Path(ep, "info.json"), []byte(`{"pid": "9"}`), 0o600))
		exe.EXPECT().Signal(9, syscall.SIGTERM).Return(os.ErrProcessDone)

		require.NoError(t, StopRecorded(ep, WithExecutor(exe), WithInfoFileName("info.json")))
	})
}
