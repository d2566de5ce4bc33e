package app_test

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber/cssd/src/cssd/app"
	"github.com/uber/cssd/src/cssd/entity"
	daemonclient "github.com/uber/cssd/src/cssd/gateway/daemon-client"
	"github.com/uber/cssd/src/cssd/internal/core"
	"github.com/uber/cssd/src/cssd/internal/endpoint"
	cssderrors "github.com/uber/cssd/src/cssd/internal/errors"
	executormock "github.com/uber/cssd/src/cssd/internal/executor/executormock"
	"github.com/uber/cssd/src/cssd/internal/fs"
	"github.com/uber/cssd/src/cssd/internal/launcher"
	"github.com/uber/cssd/src/cssd/plugin"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"
)

const _buttonCSS = `.primary { color: blue; }
.large { composes: primary; padding: 2em; }
`

// countingFS records how often each file is read by the compilation backend.
type countingFS struct {
	fs.CSSFS

	mu    sync.Mutex
	reads map[string]int
}

func (c *countingFS) ReadFile(name string) ([]byte, error) {
	c.mu.Lock()
	c.reads[name]++
	c.mu.Unlock()
	return c.CSSFS.ReadFile(name)
}

func (c *countingFS) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads[name]
}

type workspace struct {
	root     string
	endpoint endpoint.Endpoint
	files    *countingFS
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	t.Setenv(core.EnvConfigDir, "")

	tmp, err := os.MkdirTemp("/tmp", "cssd-e2e")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmp) })

	root := filepath.Join(tmp, "app")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o700))

	ep, err := endpoint.New(root, endpoint.WithTempRoot(tmp))
	require.NoError(t, err)

	return &workspace{
		root:     root,
		endpoint: ep,
		files:    &countingFS{reads: make(map[string]int)},
	}
}

func (w *workspace) write(t *testing.T, rel, contents string) string {
	t.Helper()
	path := filepath.Join(w.root, rel)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func (w *workspace) daemon(t *testing.T) *fxtest.App {
	t.Helper()
	return fxtest.New(
		t,
		fx.Supply(w.endpoint),
		app.Module,
		fx.Decorate(func(inner fs.CSSFS) fs.CSSFS {
			w.files.CSSFS = inner
			return w.files
		}),
	)
}

func (w *workspace) client() daemonclient.Gateway {
	return daemonclient.New(w.endpoint.SocketPath)
}

func TestDaemonDeduplicatesConcurrentRequests(t *testing.T) {
	w := newWorkspace(t)
	css := w.write(t, "src/button.css", _buttonCSS)

	d := w.daemon(t)
	d.RequireStart()
	defer d.RequireStop()

	results := make([]entity.Tokens, 8)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			tokens, err := w.client().RequestTokens(context.Background(), css, nil)
			results[i] = tokens
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, tokens := range results {
		assert.Equal(t, results[0], tokens)
	}
	assert.Equal(t, 1, w.files.count(css))
}

func TestDaemonIsolatesFailures(t *testing.T) {
	w := newWorkspace(t)
	broken := w.write(t, "src/broken.css", ".a { color: red")
	css := w.write(t, "src/button.css", _buttonCSS)

	d := w.daemon(t)
	d.RequireStart()
	defer d.RequireStop()

	ctx := context.Background()
	_, err := w.client().RequestTokens(ctx, broken, nil)
	require.Error(t, err)
	assert.True(t, cssderrors.IsCompile(err))

	tokens, err := w.client().RequestTokens(ctx, css, nil)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	// Failures are not cached.
	_, err = w.client().RequestTokens(ctx, broken, nil)
	require.Error(t, err)
	assert.Equal(t, 2, w.files.count(broken))
}

func TestDaemonKeysOnConfig(t *testing.T) {
	w := newWorkspace(t)
	css := w.write(t, "src/button.css", _buttonCSS)

	d := w.daemon(t)
	d.RequireStart()
	defer d.RequireStop()

	ctx := context.Background()
	defaults, err := w.client().RequestTokens(ctx, css, nil)
	require.NoError(t, err)

	explicitNull, err := w.client().RequestTokens(ctx, css, json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Equal(t, defaults, explicitNull)
	assert.Equal(t, 1, w.files.count(css))

	custom, err := w.client().RequestTokens(ctx, css, json.RawMessage(`{"generateScopedName": "[local]__[hash:5]", "hashPrefix": "p"}`))
	require.NoError(t, err)
	assert.NotEqual(t, defaults, custom)
	assert.Regexp(t, regexp.MustCompile(`^primary__[a-z0-9]{5}$`), custom["primary"])
	assert.Equal(t, 2, w.files.count(css))

	reordered, err := w.client().RequestTokens(ctx, css, json.RawMessage(`{"hashPrefix":"p","generateScopedName":"[local]__[hash:5]"}`))
	require.NoError(t, err)
	assert.Equal(t, custom, reordered)
	assert.Equal(t, 2, w.files.count(css))
}

func TestDaemonInvalidatesEditedDependencies(t *testing.T) {
	w := newWorkspace(t)
	css := w.write(t, "src/button.css", _buttonCSS)

	d := w.daemon(t)
	d.RequireStart()
	defer d.RequireStop()

	ctx := context.Background()
	tokens, err := w.client().RequestTokens(ctx, css, nil)
	require.NoError(t, err)
	assert.NotContains(t, tokens, "ghost")

	w.write(t, "src/button.css", _buttonCSS+".ghost { opacity: 0.5; }\n")
	assert.Eventually(t, func() bool {
		tokens, err := w.client().RequestTokens(ctx, css, nil)
		return err == nil && tokens["ghost"] != ""
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSecondDaemonOnEndpointExits(t *testing.T) {
	w := newWorkspace(t)
	css := w.write(t, "src/button.css", _buttonCSS)

	first := w.daemon(t)
	first.RequireStart()
	defer first.RequireStop()

	second := fxtest.New(t, fx.Supply(w.endpoint), app.Module)
	second.RequireStart()
	select {
	case <-second.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("second daemon did not ask to exit")
	}
	second.RequireStop()

	tokens, err := w.client().RequestTokens(context.Background(), css, nil)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestResolveStylesheetTokensAgainstDaemon(t *testing.T) {
	w := newWorkspace(t)
	w.write(t, "src/button.css", _buttonCSS)
	from := filepath.Join(w.root, "src", "Button.jsx")

	d := w.daemon(t)
	d.RequireStart()
	defer d.RequireStop()

	// The daemon is already serving, so nothing may be spawned.
	ctrl := gomock.NewController(t)
	l := launcher.New(w.endpoint, launcher.WithExecutor(executormock.NewMockExecutor(ctrl)))
	s, err := plugin.New(plugin.Options{}, plugin.WithLauncher(l))
	require.NoError(t, err)

	ctx := context.Background()
	tokens, handled, err := s.ResolveStylesheetTokens(ctx, "./button.css", from, nil, nil)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Regexp(t, regexp.MustCompile(`^button_primary_[a-z0-9]{3}$`), tokens["primary"])
	assert.Regexp(t, regexp.MustCompile(`^button_large_[a-z0-9]{3} `+tokens["primary"]+`$`), tokens["large"])
	assert.False(t, l.Started())

	tokens, handled, err = s.ResolveStylesheetTokens(ctx, "./logo.png", from, nil, nil)
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Nil(t, tokens)

	require.NoError(t, s.Close())
}

func TestButtonScenario(t *testing.T) {
	w := newWorkspace(t)
	css := w.write(t, "src/button.css", ".root { display: flex; }\n.label { font-weight: bold; }\n")

	d := w.daemon(t)
	d.RequireStart()
	defer d.RequireStop()

	ctx := context.Background()
	first, err := w.client().RequestTokens(ctx, css, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Regexp(t, regexp.MustCompile(`^button_root_[a-z0-9]{3}$`), first["root"])
	assert.Regexp(t, regexp.MustCompile(`^button_label_[a-z0-9]{3}$`), first["label"])

	second, err := w.client().RequestTokens(ctx, css, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, w.files.count(css))
}

func TestRequestSucceedsOnceDaemonIsReady(t *testing.T) {
	w := newWorkspace(t)
	css := w.write(t, "src/button.css", _buttonCSS)

	d := w.daemon(t)
	started := make(chan struct{})
	go func() {
		defer close(started)
		time.Sleep(100 * time.Millisecond)
		d.RequireStart()
	}()
	defer func() {
		<-started
		d.RequireStop()
	}()

	tokens, err := w.client().RequestTokens(context.Background(), css, nil)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestConcurrentDaemonsBindOnce(t *testing.T) {
	w := newWorkspace(t)
	css := w.write(t, "src/button.css", _buttonCSS)

	const daemons = 4
	apps := make([]*fxtest.App, daemons)
	for i := range apps {
		apps[i] = fxtest.New(t, fx.Supply(w.endpoint), app.Module)
	}

	var g errgroup.Group
	for _, a := range apps {
		g.Go(func() error {
			return a.Start(context.Background())
		})
	}
	require.NoError(t, g.Wait())
	defer func() {
		for _, a := range apps {
			a.RequireStop()
		}
	}()

	exited := make(chan int, daemons)
	for i, a := range apps {
		go func() {
			select {
			case <-a.Done():
				exited <- i
			case <-time.After(5 * time.Second):
			}
		}()
	}

	losers := make(map[int]struct{})
	for len(losers) < daemons-1 {
		select {
		case i := <-exited:
			losers[i] = struct{}{}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d extra daemons exited", len(losers), daemons-1)
		}
	}
	select {
	case i := <-exited:
		t.Fatalf("every daemon exited, last was %d", i)
	case <-time.After(200 * time.Millisecond):
	}

	tokens, err := w.client().RequestTokens(context.Background(), css, nil)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestResolveRelaunchesIdleDaemon(t *testing.T) {
	w := newWorkspace(t)
	w.write(t, "src/button.css", _buttonCSS)
	from := filepath.Join(w.root, "src", "Button.jsx")

	configDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "meta.yaml"), []byte("files: [idle.yaml]\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "idle.yaml"), []byte("daemon:\n  idleTimeout: 300ms\n"), 0o600))
	t.Setenv(core.EnvConfigDir, configDir)

	first := w.daemon(t)
	first.RequireStart()

	// A relaunch starts a fresh in-process daemon with the default idle timeout.
	var relaunched *fxtest.App
	ctrl := gomock.NewController(t)
	exe := executormock.NewMockExecutor(ctrl)
	exe.EXPECT().Start(gomock.Any()).DoAndReturn(func(cmd *exec.Cmd) (int, error) {
		assert.Equal(t, []string{launcher.DefaultExecutable, w.endpoint.SocketPath, w.endpoint.ScratchDir}, cmd.Args)
		t.Setenv(core.EnvConfigDir, "")
		relaunched = fxtest.New(t, fx.Supply(w.endpoint), app.Module)
		relaunched.RequireStart()
		return 4242, nil
	})
	exe.EXPECT().Signal(4242, syscall.SIGTERM).Return(nil)

	l := launcher.New(w.endpoint, launcher.WithExecutor(exe), launcher.WithExecutable(launcher.DefaultExecutable))
	s, err := plugin.New(plugin.Options{},
		plugin.WithLauncher(l),
		plugin.WithClientOptions(daemonclient.WithBackoff(10*time.Millisecond, 50*time.Millisecond, 500*time.Millisecond)),
	)
	require.NoError(t, err)

	ctx := context.Background()
	_, handled, err := s.ResolveStylesheetTokens(ctx, "./button.css", from, nil, nil)
	require.NoError(t, err)
	require.True(t, handled)
	assert.False(t, l.Started())

	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not exit on idle")
	}
	first.RequireStop()

	tokens, handled, err := s.ResolveStylesheetTokens(ctx, "./button.css", from, nil, nil)
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Len(t, tokens, 2)
	assert.True(t, l.Started())

	require.NoError(t, s.Close())
	require.NotNil(t, relaunched)
	relaunched.RequireStop()
}
